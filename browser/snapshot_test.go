package browser_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/commission-vm/browser"
	"github.com/commission-vm/browser/browsertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCapture(t *testing.T) {
	dir := t.TempDir()
	s := &browser.Snapshotter{Dir: dir}
	page := browsertest.NewPage()

	path := s.Capture(page, "j1", "login-page")
	require.NotEmpty(t, path)
	assert.Equal(t, filepath.Join(dir, "j1"), filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data))
}

func TestSnapshotJobIDStaysInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "diagnostics")
	s := &browser.Snapshotter{Dir: dir}

	for _, id := range []string{"../keep", "..", "a/b", "", `..\x`} {
		path := s.Capture(browsertest.NewPage(), id, "error")
		require.NotEmpty(t, path, id)
		assert.Equal(t, dir, filepath.Dir(filepath.Dir(path)), id)
	}
	assert.NoDirExists(t, filepath.Join(root, "keep"))
}

func TestSnapshotDisabled(t *testing.T) {
	var s *browser.Snapshotter
	assert.Empty(t, s.Capture(browsertest.NewPage(), "j1", "x"))
	assert.Empty(t, (&browser.Snapshotter{}).Capture(browsertest.NewPage(), "j1", "x"))
}

func TestDownloadRemove(t *testing.T) {
	page := browsertest.NewPage()
	page.DownloadDir = t.TempDir()

	d, err := page.ExpectDownload(0, func() error { return nil })
	require.NoError(t, err)
	assert.FileExists(t, d.Path)
	require.NoError(t, d.Remove())
	assert.NoFileExists(t, d.Path)
	assert.NoError(t, d.Remove())
}
