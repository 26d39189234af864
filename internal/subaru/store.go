package subaru

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Descriptor is the stored metadata for one packaged build. It is written
// in two forms: a flat KEY=value .meta file and a structured .json file
// with the manifest embedded.
type Descriptor struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Source       string   `json:"source"`
	ExtraSources []string `json:"extra_sources,omitempty"`
	Depends      []string `json:"depends,omitempty"`
	BinDir       string   `json:"bin_dir"`
	SourcesDir   string   `json:"sources_dir"`
	Files        []string `json:"files,omitempty"`
}

// Store persists descriptors and manifests under a single directory,
// keyed by name-version.
type Store struct {
	Dir string
}

func NewStore(ctx *BuildContext) *Store {
	return &Store{Dir: ctx.StoreDir}
}

func (s *Store) metaPath(name, version string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%s.meta", name, version))
}

func (s *Store) jsonPath(name, version string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%s.json", name, version))
}

func (s *Store) manifestPath(name, version string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%s.manifest", name, version))
}

// WriteDescriptor writes all three on-disk forms for d.
func (s *Store) WriteDescriptor(d *Descriptor) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	var flat strings.Builder
	flat.WriteString("NAME=" + d.Name + "\n")
	flat.WriteString("VERSION=" + d.Version + "\n")
	flat.WriteString("SOURCE=" + d.Source + "\n")
	flat.WriteString("EXTRA_SOURCES=" + strings.Join(d.ExtraSources, " ") + "\n")
	flat.WriteString("DEPENDS=" + strings.Join(d.Depends, " ") + "\n")
	flat.WriteString("SOURCES_DIR=" + d.SourcesDir + "\n")
	flat.WriteString("BIN_DIR=" + d.BinDir + "\n")
	if err := os.WriteFile(s.metaPath(d.Name, d.Version), []byte(flat.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write meta file: %w", err)
	}

	js, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := os.WriteFile(s.jsonPath(d.Name, d.Version), append(js, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write json descriptor: %w", err)
	}

	manifest := strings.Join(d.Files, "\n")
	if manifest != "" {
		manifest += "\n"
	}
	if err := os.WriteFile(s.manifestPath(d.Name, d.Version), []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadAll reads every descriptor in the store from the .json form.
func (s *Store) LoadAll() ([]*Descriptor, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("corrupt descriptor %s: %w", e.Name(), err)
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

// LookupLatest returns the highest-version descriptor for name, or nil.
func (s *Store) LookupLatest(name string) (*Descriptor, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	var best *Descriptor
	for _, d := range all {
		if d.Name != name {
			continue
		}
		if best == nil || compareVersions(d.Version, best.Version) > 0 {
			best = d
		}
	}
	return best, nil
}

// Manifest returns the manifest lines for name-version.
func (s *Store) Manifest(name, version string) ([]string, error) {
	f, err := os.Open(s.manifestPath(name, version))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}

// DeleteDescriptor removes every stored version of name.
func (s *Store) DeleteDescriptor(name string) error {
	all, err := s.LoadAll()
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.Name != name {
			continue
		}
		for _, p := range []string{
			s.metaPath(d.Name, d.Version),
			s.jsonPath(d.Name, d.Version),
			s.manifestPath(d.Name, d.Version),
		} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// compareVersions compares two version strings split by dots. Numeric
// segments are compared numerically; non-numeric fall back to lexicographic.
// Returns -1 if a<b, 0 if equal, 1 if a>b.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			continue
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
