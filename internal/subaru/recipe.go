package subaru

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Recipe is the declarative unit describing how to build one package.
// BUILD and INSTALL are opaque command text; loading a recipe never
// executes anything.
type Recipe struct {
	Name         string
	Version      string
	PkgDir       string // extraction subdirectory, default name-version
	Source       string // primary source location
	ExtraSources []string
	Patches      []string // ordered, relative to Dir
	Depends      []string
	BuildCmd     string
	InstallCmd   string

	Dir string // directory the recipe file lives in
}

// LoadRecipe parses a KEY=value recipe file and validates required fields.
func LoadRecipe(path string) (*Recipe, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &RecipeError{Recipe: path, Reason: fmt.Sprintf("cannot open: %v", err)}
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := trimWrappedQuotes(strings.TrimSpace(parts[1]))
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, &RecipeError{Recipe: path, Reason: fmt.Sprintf("read error: %v", err)}
	}

	r := &Recipe{
		Name:         values["NAME"],
		Version:      values["VERSION"],
		PkgDir:       values["PKGDIR"],
		Source:       values["SOURCE"],
		ExtraSources: splitList(values["EXTRA_SOURCES"]),
		Patches:      splitList(values["PATCHES"]),
		Depends:      splitList(values["DEPENDS"]),
		BuildCmd:     values["BUILD"],
		InstallCmd:   values["INSTALL"],
		Dir:          filepath.Dir(path),
	}

	for field, val := range map[string]string{
		"NAME":    r.Name,
		"VERSION": r.Version,
		"SOURCE":  r.Source,
		"BUILD":   r.BuildCmd,
		"INSTALL": r.InstallCmd,
	} {
		if val == "" {
			return nil, &RecipeError{Recipe: path, Field: field, Reason: "required field missing"}
		}
	}

	for _, dep := range r.Depends {
		if dep == r.Name {
			return nil, &RecipeError{Recipe: path, Field: "DEPENDS", Reason: "package cannot depend on itself"}
		}
	}

	if r.PkgDir == "" {
		r.PkgDir = r.Name + "-" + r.Version
	}

	return r, nil
}

// FindRecipe locates and loads a recipe. A ref containing a path separator
// is loaded directly; otherwise SUBARU_PATH is searched for <name>/recipe.
func FindRecipe(ctx *BuildContext, ref string) (*Recipe, error) {
	if strings.ContainsRune(ref, os.PathSeparator) {
		return LoadRecipe(ref)
	}

	for _, repo := range strings.Split(ctx.RecipePath, ":") {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		candidate := filepath.Join(repo, ref, "recipe")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return LoadRecipe(candidate)
		}
	}
	return nil, fmt.Errorf("recipe for %s not found in SUBARU_PATH", ref)
}

// ChecksumFile is the path of the recipe's optional BLAKE3 checksum list.
func (r *Recipe) ChecksumFile() string {
	return filepath.Join(r.Dir, "checksums")
}

// Sources returns the primary source followed by the extras.
func (r *Recipe) Sources() []string {
	return append([]string{r.Source}, r.ExtraSources...)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
