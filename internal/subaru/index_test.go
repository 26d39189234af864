package subaru

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexUpsertAndLookup(t *testing.T) {
	t.Parallel()
	idx := &InstalledIndex{Path: filepath.Join(t.TempDir(), "installed")}

	require.NoError(t, idx.Upsert("hello", "1.0"))
	require.NoError(t, idx.Upsert("world", "2.0"))

	e, ok, err := idx.Lookup("hello")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0", e.Version)
	assert.WithinDuration(t, time.Now(), e.Installed, time.Minute)

	_, ok, err = idx.Lookup("absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexUpsertReplacesRow(t *testing.T) {
	t.Parallel()
	idx := &InstalledIndex{Path: filepath.Join(t.TempDir(), "installed")}

	require.NoError(t, idx.Upsert("hello", "1.0"))
	require.NoError(t, idx.Upsert("hello", "2.0"))
	require.NoError(t, idx.Upsert("hello", "2.0"))

	entries, err := idx.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1, "upsert must never duplicate a name")
	assert.Equal(t, "2.0", entries[0].Version)

	data, err := os.ReadFile(idx.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	fields := strings.Fields(lines[0])
	require.Len(t, fields, 3, "row format is: name version timestamp")
	_, err = time.Parse(time.RFC3339, fields[2])
	assert.NoError(t, err)
}

func TestIndexRemove(t *testing.T) {
	t.Parallel()
	idx := &InstalledIndex{Path: filepath.Join(t.TempDir(), "installed")}

	require.NoError(t, idx.Upsert("hello", "1.0"))
	require.NoError(t, idx.Remove("hello"))

	_, ok, err := idx.Lookup("hello")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing again, or removing something never installed, is a no-op.
	require.NoError(t, idx.Remove("hello"))
	require.NoError(t, idx.Remove("never-there"))
}

func TestIndexSkipsMalformedRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "installed")
	content := "hello 1.0 2026-01-02T15:04:05Z\ngarbage-row\nworld 2.0 2026-01-03T10:00:00Z\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	idx := &InstalledIndex{Path: path}
	entries, err := idx.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Name)
	assert.Equal(t, "world", entries[1].Name)
}
