// Package blob stores downloaded reports and hands back a URL for them.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Store uploads a local file under key and returns a URL for it.
type Store interface {
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
}

// ObjectKey names a report object: {userId}/{siteId}_{month}_{unixMillis}.xlsx.
func ObjectKey(userID, siteID, month string, ts time.Time) string {
	return fmt.Sprintf("%s/%s_%s_%d.xlsx", userID, siteID, month, ts.UnixMilli())
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(strings.ReplaceAll(key, "\\", "/")), "/")
	key = path.Clean(key)
	if key == "" || key == "." || strings.HasPrefix(key, "../") || key == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return key, nil
}

// Local copies reports into a directory, for single-host installs and tests.
type Local struct {
	Dir string
	// BaseURL is prefixed to the key when set; otherwise a file:// URL is returned.
	BaseURL string
}

func (l *Local) Put(_ context.Context, key, localPath, _ string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	if l.BaseURL != "" {
		return strings.TrimRight(l.BaseURL, "/") + "/" + key, nil
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
