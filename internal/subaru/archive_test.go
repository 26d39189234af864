package subaru

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTarGz builds a small source-style archive with a top-level dir.
func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := pgzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestExtractTarStripsTopLevelDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	archive := filepath.Join(dir, "hello-1.0.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"hello-1.0/README":      "docs\n",
		"hello-1.0/src/main.c":  "int main(void) { return 0; }\n",
		"hello-1.0/src/greet.h": "#pragma once\n",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, extractSource(archive, dest))

	assert.FileExists(t, filepath.Join(dest, "README"))
	assert.FileExists(t, filepath.Join(dest, "src", "main.c"))
	assert.NoDirExists(t, filepath.Join(dest, "hello-1.0"), "top-level dir is stripped")
}

func TestExtractUnsupportedFormat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	archive := filepath.Join(dir, "weird.rar")
	require.NoError(t, os.WriteFile(archive, []byte("not an archive"), 0o644))

	err := extractSource(archive, dir)
	var eerr *ExtractError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, archive, eerr.Archive)
}

func TestPackageTarballRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)

	staging := filepath.Join(t.TempDir(), "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "bin", "tool"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("tool", filepath.Join(staging, "bin", "tool-alias")))

	// nil executor forces the internal tar+zstd writer
	tarball, err := createPackageTarball(ctx, "tool", "1.0", staging, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ctx.BinDir, "tool-1.0.tar.zst"), tarball)

	f, err := os.Open(tarball)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	found := map[string]byte{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		found[hdr.Name] = hdr.Typeflag
		assert.Equal(t, 0, hdr.Uid, "package contents are root-owned")
	}
	assert.Equal(t, byte(tar.TypeReg), found["bin/tool"])
	assert.Equal(t, byte(tar.TypeSymlink), found["bin/tool-alias"])
}

func TestSnapshotStaging(t *testing.T) {
	t.Parallel()
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "share", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "bin", "a"), []byte("a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "bin", "b"), []byte("b"), 0o755))
	require.NoError(t, os.Symlink("a", filepath.Join(staging, "bin", "link")))

	paths, err := snapshotStaging(staging)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/a", "/bin/b", "/bin/link"}, paths,
		"sorted, absolute, files and symlinks only")
}
