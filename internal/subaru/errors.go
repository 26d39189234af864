package subaru

import (
	"fmt"
	"strings"
)

// RecipeError reports a missing or malformed required recipe field.
type RecipeError struct {
	Recipe string
	Field  string
	Reason string
}

func (e *RecipeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("recipe %s: field %s: %s", e.Recipe, e.Field, e.Reason)
	}
	return fmt.Sprintf("recipe %s: %s", e.Recipe, e.Reason)
}

// FetchError reports an unsupported or failed source acquisition.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError reports an unsupported archive format.
type ExtractError struct {
	Archive string
	Reason  string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Archive, e.Reason)
}

// UnresolvedDependencyError aborts a recursive install when a dependency
// has no locatable recipe.
type UnresolvedDependencyError struct {
	Package    string
	Dependency string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("package %s: dependency %s has no recipe in SUBARU_PATH", e.Package, e.Dependency)
}

// CycleError reports a dependency cycle anywhere in the stored edge set.
// Detection is global: an unrelated cycle still fails resolution.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Remaining, ", "))
}
