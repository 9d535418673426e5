package browser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeDownload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc-guid"), []byte("x"), 0644))

	path, err := finalizeDownload(dir, "abc-guid", "Report.XLS")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc-guid.xls"), path)
	assert.FileExists(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "def-guid"), []byte("x"), 0644))
	path, err = finalizeDownload(dir, "def-guid", "")
	require.NoError(t, err)
	assert.Equal(t, ".xlsx", filepath.Ext(path))

	_, err = finalizeDownload(dir, "missing", "a.xlsx")
	assert.Error(t, err)
}

func TestNewestFile(t *testing.T) {
	dir := t.TempDir()
	since := time.Now().Add(-time.Minute)

	_, ok := newestFile(dir, since)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.crdownload"), []byte("x"), 0644))
	_, ok = newestFile(dir, since)
	assert.False(t, ok)

	old := filepath.Join(dir, "old.xlsx")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(old, since.Add(-time.Hour), since.Add(-time.Hour)))
	fresh := filepath.Join(dir, "fresh.xlsx")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))

	got, ok := newestFile(dir, since)
	assert.True(t, ok)
	assert.Equal(t, fresh, got)
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"a\"b"`, jsString(`a"b`))
}
