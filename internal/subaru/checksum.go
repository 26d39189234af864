package subaru

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// hashString returns the BLAKE3 hex digest of s; used for source cache
// keys.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// hashFile streams path through BLAKE3. Symlinks are followed, so cached
// source links hash their targets.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// sourceFiles lists the fetched regular-file sources of r, in recipe
// order. Git sources have no stable archive to hash and are skipped.
func sourceFiles(ctx *BuildContext, r *Recipe) []string {
	var files []string
	pkgLinkDir := filepath.Join(ctx.SourcesDir, r.Name)
	for _, src := range r.Sources() {
		if strings.HasPrefix(src, "git+") {
			continue
		}
		files = append(files, filepath.Join(pkgLinkDir, filepath.Base(src)))
	}
	return files
}

// generateChecksums fetches sources and (re)writes the recipe's checksums
// file, one BLAKE3 hex per non-git source line.
func generateChecksums(ctx *BuildContext, r *Recipe) error {
	if err := fetchSources(ctx, r); err != nil {
		return err
	}

	var lines []string
	for _, path := range sourceFiles(ctx, r) {
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		lines = append(lines, sum)
	}

	out := strings.Join(lines, "\n")
	if out != "" {
		out += "\n"
	}
	if err := os.WriteFile(r.ChecksumFile(), []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write checksums file: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Checksums written for %s (%d sources)\n", r.Name, len(lines))
	return nil
}

// verifyChecksums compares fetched sources against the recipe's checksums
// file. A missing checksums file is not an error; the pipeline proceeds
// unverified.
func verifyChecksums(ctx *BuildContext, r *Recipe) error {
	f, err := os.Open(r.ChecksumFile())
	if err != nil {
		if os.IsNotExist(err) {
			debugf("No checksums file for %s, skipping verification\n", r.Name)
			return nil
		}
		return err
	}
	defer f.Close()

	var expected []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		expected = append(expected, strings.Fields(line)[0])
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	files := sourceFiles(ctx, r)
	if len(expected) != len(files) {
		return fmt.Errorf("checksum count mismatch for %s: %d recorded, %d sources", r.Name, len(expected), len(files))
	}

	for i, path := range files {
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		if sum != expected[i] {
			return fmt.Errorf("checksum mismatch for %s (expected %s, found %s)", filepath.Base(path), expected[i], sum)
		}
	}
	return nil
}
