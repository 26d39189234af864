package subaru

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// RemovalReport is the outcome of a remove operation. Known is false
// when neither the index nor the store had any trace of the package.
type RemovalReport struct {
	Deleted  []string
	Warnings []string
	Known    bool
}

// Remover deletes installed packages: their files under the managed
// root, their descriptors, logs and index row.
type Remover struct {
	ctx   *BuildContext
	store *Store
	index *InstalledIndex
}

func NewRemover(ctx *BuildContext, store *Store, index *InstalledIndex) *Remover {
	return &Remover{ctx: ctx, store: store, index: index}
}

// Remove is best-effort: it cleans up whatever it can find for name and
// reports what it deleted and what it could not trust. The index row is
// always removed last.
func (rm *Remover) Remove(name string) (*RemovalReport, error) {
	report := &RemovalReport{}

	_, installed, err := rm.index.Lookup(name)
	if err != nil {
		return nil, err
	}
	desc, err := rm.store.LookupLatest(name)
	if err != nil {
		return nil, err
	}
	report.Known = installed || desc != nil

	var manifest []string
	if desc != nil {
		manifest, err = rm.store.Manifest(desc.Name, desc.Version)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s has no metadata; it was not installed by this tool or its records are gone", name))
	}

	if len(manifest) > 0 {
		rm.removeExact(manifest, report)
	} else {
		if desc != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("manifest for %s is missing or empty; falling back to heuristic removal", name))
		}
		rm.removeHeuristic(name, report)
	}

	if desc != nil {
		if err := rm.store.DeleteDescriptor(name); err != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("failed to delete metadata for %s: %v", name, err))
		}
	}
	logPath := filepath.Join(rm.ctx.LogDir(), name+".log.xz")
	if err := os.Remove(logPath); err == nil {
		report.Deleted = append(report.Deleted, logPath)
	} else if !os.IsNotExist(err) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("failed to delete install log: %v", err))
	}

	if err := rm.index.Remove(name); err != nil {
		return report, err
	}
	return report, nil
}

// resolveInRoot maps an absolute manifest path into the managed root and
// rejects anything that escapes it.
func (rm *Remover) resolveInRoot(p string) (string, bool) {
	root := filepath.Clean(rm.ctx.RootDir)
	target := filepath.Clean(filepath.Join(root, p))
	if target == root {
		return "", false
	}
	if root == "/" {
		return target, strings.HasPrefix(target, "/")
	}
	return target, strings.HasPrefix(target, root+string(os.PathSeparator))
}

// removeExact deletes every manifest path that resolves inside the
// managed root, then prunes now-empty parent directories deepest first.
func (rm *Remover) removeExact(manifest []string, report *RemovalReport) {
	dirs := make(map[string]bool)
	root := filepath.Clean(rm.ctx.RootDir)

	for _, p := range manifest {
		target, ok := rm.resolveInRoot(p)
		if !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("refusing to delete %s: escapes the managed root", p))
			continue
		}
		if err := os.Remove(target); err != nil {
			if !os.IsNotExist(err) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("failed to delete %s: %v", target, err))
			}
			continue
		}
		report.Deleted = append(report.Deleted, target)

		for dir := filepath.Dir(target); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
			dirs[dir] = true
		}
	}

	// Deepest first, so nested empty dirs fall before their parents.
	var ordered []string
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, dir := range ordered {
		// Fails on non-empty dirs, which is exactly what we want.
		_ = os.Remove(dir)
	}
}

// removeHeuristic is the lossy fallback when no manifest survives. It
// deletes binary-dir entries whose name contains the package name, then
// whatever paths the package's install log still lists. Both halves can
// miss files and hit unrelated ones.
func (rm *Remover) removeHeuristic(name string, report *RemovalReport) {
	binDir := filepath.Join(filepath.Clean(rm.ctx.RootDir), "bin")
	entries, err := os.ReadDir(binDir)
	if err == nil {
		for _, e := range entries {
			if !strings.Contains(e.Name(), name) {
				continue
			}
			target := filepath.Join(binDir, e.Name())
			if err := os.Remove(target); err != nil {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("failed to delete %s: %v", target, err))
				continue
			}
			report.Deleted = append(report.Deleted, target)
		}
	}

	for _, p := range rm.pathsFromInstallLog(name) {
		target, ok := rm.resolveInRoot(p)
		if !ok {
			continue
		}
		if err := os.Remove(target); err == nil {
			report.Deleted = append(report.Deleted, target)
		}
	}
}

// pathsFromInstallLog recovers the file list recorded in the package's
// xz-compressed install log, if it still exists.
func (rm *Remover) pathsFromInstallLog(name string) []string {
	f, err := os.Open(filepath.Join(rm.ctx.LogDir(), name+".log.xz"))
	if err != nil {
		return nil
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return nil
	}

	var paths []string
	inFiles := false
	scanner := bufio.NewScanner(xr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "files:" {
			inFiles = true
			continue
		}
		if !inFiles {
			continue
		}
		if !strings.HasPrefix(line, "  ") {
			inFiles = false
			continue
		}
		p := strings.TrimSpace(line)
		if strings.HasPrefix(p, "/") {
			paths = append(paths, p)
		}
	}
	return paths
}
