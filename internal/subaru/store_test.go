package subaru

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(name, version string, depends ...string) *Descriptor {
	return &Descriptor{
		Name:       name,
		Version:    version,
		Source:     "https://example.org/" + name + "-" + version + ".tar.gz",
		Depends:    depends,
		BinDir:     "/var/cache/subaru/bin",
		SourcesDir: "/var/cache/subaru/sources/" + name,
		Files:      []string{"/bin/" + name},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := &Store{Dir: t.TempDir()}

	want := testDescriptor("hello", "2.12", "libfoo")
	require.NoError(t, s.WriteDescriptor(want))

	// All three on-disk forms exist.
	meta, err := os.ReadFile(filepath.Join(s.Dir, "hello-2.12.meta"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "NAME=hello\n")
	assert.Contains(t, string(meta), "DEPENDS=libfoo\n")

	manifest, err := s.Manifest("hello", "2.12")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/hello"}, manifest)

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, want, all[0])
}

func TestStoreLookupLatest(t *testing.T) {
	t.Parallel()
	s := &Store{Dir: t.TempDir()}

	for _, v := range []string{"1.9", "1.10", "1.2"} {
		require.NoError(t, s.WriteDescriptor(testDescriptor("hello", v)))
	}
	require.NoError(t, s.WriteDescriptor(testDescriptor("other", "9.9")))

	d, err := s.LookupLatest("hello")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "1.10", d.Version, "versions compare segment-wise, not lexically")

	missing, err := s.LookupLatest("absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreDeleteDescriptorAllVersions(t *testing.T) {
	t.Parallel()
	s := &Store{Dir: t.TempDir()}

	require.NoError(t, s.WriteDescriptor(testDescriptor("hello", "1.0")))
	require.NoError(t, s.WriteDescriptor(testDescriptor("hello", "2.0")))
	require.NoError(t, s.WriteDescriptor(testDescriptor("keepme", "1.0")))

	require.NoError(t, s.DeleteDescriptor("hello"))

	entries, err := os.ReadDir(s.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "hello-"), "stale file %s", e.Name())
	}

	d, err := s.LookupLatest("keepme")
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()
	assert.Equal(t, -1, compareVersions("1.9", "1.10"))
	assert.Equal(t, 1, compareVersions("2.0.1", "2.0"))
	assert.Equal(t, 0, compareVersions("3.4", "3.4"))
	assert.Equal(t, -1, compareVersions("1.0a", "1.0b"))
}
