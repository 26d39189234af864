package subaru

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBuildContext wires every engine directory into one temp tree.
func testBuildContext(t *testing.T) *BuildContext {
	t.Helper()
	base := t.TempDir()
	ctx := &BuildContext{
		Config:     &Config{Values: map[string]string{}},
		RootDir:    filepath.Join(base, "root"),
		CacheDir:   filepath.Join(base, "cache"),
		SourcesDir: filepath.Join(base, "cache", "sources"),
		CacheStore: filepath.Join(base, "cache", "sources", "_cache"),
		BinDir:     filepath.Join(base, "cache", "bin"),
		StoreDir:   filepath.Join(base, "cache", "meta"),
		BuildDir:   filepath.Join(base, "build"),
		StagingDir: filepath.Join(base, "staging"),
		DBDir:      filepath.Join(base, "root", "var", "db", "subaru"),
		RecipePath: filepath.Join(base, "repo"),
	}
	require.NoError(t, os.MkdirAll(ctx.RootDir, 0o755))
	require.NoError(t, os.MkdirAll(ctx.RecipePath, 0o755))
	return ctx
}

func testPipeline(t *testing.T, ctx *BuildContext) (*Pipeline, *Store, *InstalledIndex) {
	t.Helper()
	store := NewStore(ctx)
	index := NewInstalledIndex(ctx)
	ex := &Executor{Context: context.Background()}
	return NewPipeline(ctx, store, index, ex, ex), store, index
}

// makePackage writes a buildable recipe backed by a local source dir.
// Its BUILD step appends the package name to buildLog.
func makePackage(t *testing.T, ctx *BuildContext, name string, depends []string, buildLog string) {
	t.Helper()
	pkgDir := filepath.Join(ctx.RecipePath, name)
	srcDir := filepath.Join(pkgDir, "files", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "payload.txt"), []byte(name+"\n"), 0o644))

	recipe := fmt.Sprintf(`NAME=%s
VERSION=1.0
SOURCE=files/src
DEPENDS=%s
BUILD=echo %s >> %s
INSTALL=mkdir -p "$DESTDIR/bin" && cp payload.txt "$DESTDIR/bin/%s"
`, name, strings.Join(depends, " "), name, buildLog, name)
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "recipe"), []byte(recipe), 0o644))
}

func builtPackages(t *testing.T, buildLog string) []string {
	t.Helper()
	data, err := os.ReadFile(buildLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestInstallSinglePackage(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)
	buildLog := filepath.Join(t.TempDir(), "built.log")
	makePackage(t, ctx, "hello", nil, buildLog)

	pipeline, store, index := testPipeline(t, ctx)
	require.NoError(t, pipeline.Install("hello"))

	assert.Equal(t, []string{"hello"}, builtPackages(t, buildLog))

	_, ok, err := index.Lookup("hello")
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := store.LookupLatest("hello")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "1.0", d.Version)
	assert.Equal(t, []string{"/bin/hello"}, d.Files)

	assert.FileExists(t, filepath.Join(ctx.BinDir, "hello-1.0.tar.zst"))
	assert.FileExists(t, filepath.Join(ctx.LogDir(), "hello.log.xz"))
}

func TestInstallDiamondBuildsSharedDependencyOnce(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)
	buildLog := filepath.Join(t.TempDir(), "built.log")

	makePackage(t, ctx, "libcommon", nil, buildLog)
	makePackage(t, ctx, "libui", []string{"libcommon"}, buildLog)
	makePackage(t, ctx, "libnet", []string{"libcommon"}, buildLog)
	makePackage(t, ctx, "app", []string{"libui", "libnet"}, buildLog)

	pipeline, _, index := testPipeline(t, ctx)
	require.NoError(t, pipeline.Install("app"))

	built := builtPackages(t, buildLog)
	assert.Equal(t, []string{"libcommon", "libui", "libnet", "app"}, built,
		"depth-first order, shared dependency built exactly once")

	for _, name := range built {
		_, ok, err := index.Lookup(name)
		require.NoError(t, err)
		assert.True(t, ok, "%s should be in the installed index", name)
	}
}

func TestInstallSkipsAlreadyInstalled(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)
	buildLog := filepath.Join(t.TempDir(), "built.log")
	makePackage(t, ctx, "hello", nil, buildLog)

	pipeline, _, index := testPipeline(t, ctx)
	require.NoError(t, index.Upsert("hello", "0.9"))

	require.NoError(t, pipeline.Install("hello"))
	assert.Empty(t, builtPackages(t, buildLog))
}

func TestInstallUnresolvedDependencyFailsFast(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)
	buildLog := filepath.Join(t.TempDir(), "built.log")

	makePackage(t, ctx, "libok", nil, buildLog)
	makePackage(t, ctx, "app", []string{"libok", "ghost"}, buildLog)

	pipeline, _, index := testPipeline(t, ctx)
	err := pipeline.Install("app")

	var uerr *UnresolvedDependencyError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "ghost", uerr.Dependency)

	// No rollback: the dependency installed before the failure stays.
	_, ok, lerr := index.Lookup("libok")
	require.NoError(t, lerr)
	assert.True(t, ok)

	_, ok, lerr = index.Lookup("app")
	require.NoError(t, lerr)
	assert.False(t, ok, "the failing package itself must not be recorded")
}

func TestInstallRelocatesUsrBin(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)

	pkgDir := filepath.Join(ctx.RecipePath, "tool")
	srcDir := filepath.Join(pkgDir, "files", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "tool.sh"), []byte("#!/bin/sh\n"), 0o755))
	recipe := `NAME=tool
VERSION=1.0
SOURCE=files/src
BUILD=true
INSTALL=mkdir -p "$DESTDIR/usr/bin" && cp tool.sh "$DESTDIR/usr/bin/tool"
`
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "recipe"), []byte(recipe), 0o644))

	pipeline, store, _ := testPipeline(t, ctx)
	require.NoError(t, pipeline.Install("tool"))

	manifest, err := store.Manifest("tool", "1.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/tool"}, manifest, "usr/bin output is relocated to /bin")
}

func TestInstallFailingBuildAborts(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)

	pkgDir := filepath.Join(ctx.RecipePath, "doomed")
	srcDir := filepath.Join(pkgDir, "files", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	recipe := `NAME=doomed
VERSION=1.0
SOURCE=files/src
BUILD=exit 3
INSTALL=true
`
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "recipe"), []byte(recipe), 0o644))

	pipeline, store, index := testPipeline(t, ctx)
	err := pipeline.Install("doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build of doomed failed")

	_, ok, lerr := index.Lookup("doomed")
	require.NoError(t, lerr)
	assert.False(t, ok)
	d, derr := store.LookupLatest("doomed")
	require.NoError(t, derr)
	assert.Nil(t, d)
}

func TestInstallAppliesPatches(t *testing.T) {
	t.Parallel()
	ctx := testBuildContext(t)

	pkgDir := filepath.Join(ctx.RecipePath, "patched")
	srcDir := filepath.Join(pkgDir, "files", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "greeting.txt"), []byte("hello\n"), 0o644))

	patch := `--- a/greeting.txt
+++ b/greeting.txt
@@ -1 +1 @@
-hello
+goodbye
`
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "fix.patch"), []byte(patch), 0o644))

	recipe := `NAME=patched
VERSION=1.0
SOURCE=files/src
PATCHES=fix.patch
BUILD=grep -q goodbye greeting.txt
INSTALL=mkdir -p "$DESTDIR/bin" && cp greeting.txt "$DESTDIR/bin/greeting"
`
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "recipe"), []byte(recipe), 0o644))

	// BUILD greps for the patched text, so success means the patch landed
	// before the build step ran.
	pipeline, store, _ := testPipeline(t, ctx)
	require.NoError(t, pipeline.Install("patched"))

	manifest, err := store.Manifest("patched", "1.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/greeting"}, manifest)
}
