package blob_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commission-vm/blob"
	"github.com/commission-vm/config"
)

func TestObjectKey(t *testing.T) {
	ts := time.UnixMilli(1758000000123)
	assert.Equal(t, "user-1/clal_2025-09_1758000000123.xlsx", blob.ObjectKey("user-1", "clal", "2025-09", ts))
}

func writeReport(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("PK\x03\x04report"), 0o644))
	return p
}

func TestLocalPutWithBaseURL(t *testing.T) {
	dir := t.TempDir()
	store := &blob.Local{Dir: dir, BaseURL: "https://files.example.com/reports/"}

	u, err := store.Put(context.Background(), "u1/clal_2025-09_1.xlsx", writeReport(t), blob.XLSXContentType)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/reports/u1/clal_2025-09_1.xlsx", u)

	data, err := os.ReadFile(filepath.Join(dir, "u1", "clal_2025-09_1.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04report", string(data))
}

func TestLocalPutFileURL(t *testing.T) {
	store := &blob.Local{Dir: t.TempDir()}
	u, err := store.Put(context.Background(), "/u1/harel_2025-01_2.xlsx", writeReport(t), blob.XLSXContentType)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
	assert.True(t, strings.HasSuffix(u, "/u1/harel_2025-01_2.xlsx"), u)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	store := &blob.Local{Dir: t.TempDir()}
	_, err := store.Put(context.Background(), "../outside.xlsx", writeReport(t), "")
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := blob.New(config.BlobConfig{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &blob.Local{}, s)

	_, err = blob.New(config.BlobConfig{Backend: "s3"})
	assert.Error(t, err)

	_, err = blob.New(config.BlobConfig{Backend: "oss"})
	assert.ErrorContains(t, err, "bucket")
}
