// Package browser wraps the browser-control primitives the portal adapters drive.
package browser

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Page is one isolated browsing context. Methods block until the action completes or its timeout passes.
type Page interface {
	Navigate(url string) error
	URL() (string, error)
	// WaitStable waits for the document to finish loading.
	WaitStable(timeout time.Duration) error
	WaitVisible(sel string, timeout time.Duration) error
	Count(sel string) (int, error)
	Fill(sel, value string) error
	// FillNth types value into the n-th element matching sel.
	FillNth(sel string, n int, value string) error
	Click(sel string) error
	// ClickText clicks the first button or link whose text contains text.
	ClickText(text string) (bool, error)
	Check(sel string) error
	SelectValue(sel, value string) error
	SelectLabel(sel, label string) error
	SelectIndex(sel string, index int) error
	HTML() (string, error)
	// ExpectDownload runs trigger and waits for the download it starts.
	ExpectDownload(timeout time.Duration, trigger func() error) (*Download, error)
	Screenshot() ([]byte, error)
	Close() error
}

// Launcher opens a fresh browsing context whose downloads land in downloadDir.
type Launcher interface {
	Launch(ctx context.Context, downloadDir string) (Page, error)
}

// Download is a file the browser finished writing.
type Download struct {
	Path          string
	SuggestedName string
}

// Remove deletes the local file.
func (d *Download) Remove() error {
	if d == nil || d.Path == "" {
		return nil
	}
	if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove download %s: %w", d.Path, err)
	}
	return nil
}

// Exists reports whether sel matches at least one element.
func Exists(p Page, sel string) bool {
	n, err := p.Count(sel)
	return err == nil && n > 0
}
