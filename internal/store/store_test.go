package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkUnit(t *testing.T, fs afero.Fs, root, collection, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, collection, name)
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	for f, body := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, f), []byte(body), 0o644))
	}
}

func TestParseDate(t *testing.T) {
	d, ok := ParseDate("2024-02-29")
	require.True(t, ok)
	assert.Equal(t, time.February, d.Month())

	for _, bad := range []string{"2024-13-01", "20240101", "latest", "2024-02-30", ""} {
		_, ok := ParseDate(bad)
		assert.False(t, ok, bad)
	}
}

func TestScanSortsAndReportsInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/events"
	mkUnit(t, fs, root, "cam2", "2024-01-03", nil)
	mkUnit(t, fs, root, "cam1", "2024-01-02", nil)
	mkUnit(t, fs, root, "cam1", "2023-12-31", nil)
	mkUnit(t, fs, root, "cam1", "junk", nil)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "cam1", "2024-01-05"), []byte("file, not dir"), 0o644))

	l, err := New(fs, root).Scan(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"cam1", "cam2"}, l.Collections)
	require.Len(t, l.Units["cam1"], 2)
	assert.Equal(t, "2023-12-31", l.Units["cam1"][0].Name)
	assert.Equal(t, "2024-01-02", l.Units["cam1"][1].Name)
	assert.Equal(t, 3, l.Count())
	require.Len(t, l.Invalid, 1)
	assert.Equal(t, filepath.Join(root, "cam1", "junk"), l.Invalid[0].Path)
}

func TestScanSkipsMissingCollections(t *testing.T) {
	fs := afero.NewMemMapFs()
	mkUnit(t, fs, "/events", "cam1", "2024-01-02", nil)

	l, err := New(fs, "/events").Scan([]string{"ghost", "cam1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1"}, l.Collections)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), "/nope").Scan(nil)
	assert.Error(t, err)
}

func TestDirSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	mkUnit(t, fs, "/events", "cam1", "2024-01-02", map[string]string{"a.jpg": "12345", "b.jpg": "678"})
	require.NoError(t, fs.MkdirAll("/events/cam1/2024-01-02/sub", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/events/cam1/2024-01-02/sub/c.mp4", []byte("xy"), 0o644))

	n, err := DirSize(fs, "/events/cam1/2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	_, err = DirSize(fs, "/events/cam1/missing")
	assert.Error(t, err)
}

func TestEnsureRootAndHasUnit(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/mnt/backup/zm_cache")

	created, err := s.EnsureRoot()
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureRoot()
	require.NoError(t, err)
	assert.False(t, created)

	assert.False(t, s.HasUnit("cam1", "2024-01-02"))
	mkUnit(t, fs, s.Root(), "cam1", "2024-01-02", nil)
	assert.True(t, s.HasUnit("cam1", "2024-01-02"))
}

func TestDiscoverCollectionsPrefersSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "1", "2024-01-02"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "1"), filepath.Join(root, "front_door")))
	require.NoError(t, os.Symlink(filepath.Join(root, "2"), filepath.Join(root, "back_yard")))

	s := New(afero.NewOsFs(), root)
	got, err := s.DiscoverCollections()
	require.NoError(t, err)
	assert.Equal(t, []string{"back_yard", "front_door"}, got)

	l, err := s.Scan(got)
	require.NoError(t, err)
	require.Len(t, l.Units["front_door"], 1, "scan follows the collection symlink")
	assert.Empty(t, l.Units["back_yard"])
}

func TestDiscoverCollectionsFallsBackToDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	mkUnit(t, fs, "/events", "cam2", "2024-01-02", nil)
	mkUnit(t, fs, "/events", "cam1", "2024-01-02", nil)

	got, err := New(fs, "/events").DiscoverCollections()
	require.NoError(t, err)
	assert.Equal(t, []string{"cam1", "cam2"}, got)
}
