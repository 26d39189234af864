package subaru

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshotStaging walks the staging root and returns every regular file
// and symlink as an absolute path rooted at "/" (the path the entry will
// occupy once installed). Directories themselves are not recorded.
func snapshotStaging(stagingDir string) ([]string, error) {
	var paths []string
	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
			debugf("Skipping special file in staging: %s\n", path)
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		paths = append(paths, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot staging root: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
