package alert

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckThreshold(t *testing.T) {
	now := time.Now()
	_, ok := Check("ZM", 89, 90, now)
	assert.False(t, ok)

	r, ok := Check("ZM", 90, 90, now)
	require.True(t, ok)
	assert.Equal(t, 90, r.Percent)

	_, ok = Check("ZM", 100, 0, now)
	assert.False(t, ok, "threshold 0 disables the alert")
}

func TestLineFormat(t *testing.T) {
	r := Record{Name: "ZM", Percent: 93, At: time.Date(2024, 6, 30, 2, 5, 0, 0, time.UTC)}
	assert.Equal(t, "Sun Jun 30 02:05:00 2024 -- Warning! ZM backup cache is at 93%", r.Line())
}

func TestWriteMotdAppendsThenReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(path, []byte("Welcome to nvr01\n\nAuthorised use only\n"), 0o640))

	first := Record{Name: "ZM", Percent: 91, At: time.Date(2024, 6, 29, 2, 0, 0, 0, time.UTC)}
	require.NoError(t, WriteMotd(path, first))
	second := Record{Name: "ZM", Percent: 95, At: time.Date(2024, 6, 30, 2, 0, 0, 0, time.UTC)}
	require.NoError(t, WriteMotd(path, second))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(body)
	assert.Equal(t, 1, strings.Count(text, "backup cache is at"))
	assert.Contains(t, text, "95%")
	assert.NotContains(t, text, "91%")
	assert.True(t, strings.HasPrefix(text, "Welcome to nvr01\n\nAuthorised use only\n"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestWriteMotdKeepsOtherCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, WriteMotd(path, Record{Name: "Other", Percent: 99, At: time.Now()}))
	require.NoError(t, WriteMotd(path, Record{Name: "ZM", Percent: 92, At: time.Now()}))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(body), "backup cache is at"))
}
