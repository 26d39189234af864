package subaru

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// IndexEntry is one row of the installed-package index.
type IndexEntry struct {
	Name      string
	Version   string
	Installed time.Time
}

// InstalledIndex is the plain-text registry of installed packages:
// one "name version rfc3339-timestamp" row per line. Mutations are
// read-modify-write under an exclusive flock on a sibling lock file.
type InstalledIndex struct {
	Path string
}

func NewInstalledIndex(ctx *BuildContext) *InstalledIndex {
	return &InstalledIndex{Path: ctx.IndexFile()}
}

func (idx *InstalledIndex) lock() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(idx.Path), 0o755); err != nil {
		return nil, err
	}
	lockFile, err := os.OpenFile(idx.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index lock: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to lock index: %w", err)
	}
	return lockFile, nil
}

func unlock(lockFile *os.File) {
	_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	lockFile.Close()
}

func (idx *InstalledIndex) read() ([]IndexEntry, error) {
	f, err := os.Open(idx.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []IndexEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			debugf("Skipping malformed index row: %q\n", line)
			continue
		}
		ts, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			debugf("Skipping index row with bad timestamp: %q\n", line)
			continue
		}
		entries = append(entries, IndexEntry{Name: fields[0], Version: fields[1], Installed: ts})
	}
	return entries, scanner.Err()
}

func (idx *InstalledIndex) write(entries []IndexEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %s %s\n", e.Name, e.Version, e.Installed.UTC().Format(time.RFC3339))
	}
	tmp := idx.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, idx.Path)
}

// Entries returns all index rows, sorted by name.
func (idx *InstalledIndex) Entries() ([]IndexEntry, error) {
	entries, err := idx.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Lookup returns the row for name, if any.
func (idx *InstalledIndex) Lookup(name string) (IndexEntry, bool, error) {
	entries, err := idx.read()
	if err != nil {
		return IndexEntry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return IndexEntry{}, false, nil
}

// Upsert records name at version with the current time, replacing any
// existing row for name.
func (idx *InstalledIndex) Upsert(name, version string) error {
	lockFile, err := idx.lock()
	if err != nil {
		return err
	}
	defer unlock(lockFile)

	entries, err := idx.read()
	if err != nil {
		return err
	}
	row := IndexEntry{Name: name, Version: version, Installed: time.Now().UTC()}
	replaced := false
	for i := range entries {
		if entries[i].Name == name {
			entries[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, row)
	}
	return idx.write(entries)
}

// Remove drops name's row. Absence is not an error.
func (idx *InstalledIndex) Remove(name string) error {
	lockFile, err := idx.lock()
	if err != nil {
		return err
	}
	defer unlock(lockFile)

	entries, err := idx.read()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return idx.write(kept)
}
