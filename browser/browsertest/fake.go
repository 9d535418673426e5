// Package browsertest provides an in-memory browser.Page for driving adapters in tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/commission-vm/browser"
)

// ErrNotFound is returned when an action targets an unregistered selector.
var ErrNotFound = errors.New("element not found")

// Page records every action. Actions on selectors not in Elements fail with ErrNotFound.
type Page struct {
	mu sync.Mutex

	Elements map[string]int
	Texts    map[string]bool
	Body     string
	Current  string
	Calls    []string
	// Fail makes any call starting with the key fail with the value.
	Fail map[string]error
	// OnCall runs after each recorded call; tests use it to change the page.
	OnCall func(p *Page, call string)

	DownloadDir     string
	DownloadName    string
	DownloadContent []byte
	NoDownload      bool

	Closed int
}

// NewPage returns a page where every given selector matches one element.
func NewPage(selectors ...string) *Page {
	p := &Page{Elements: map[string]int{}, Texts: map[string]bool{}, Fail: map[string]error{}}
	for _, s := range selectors {
		p.Elements[s] = 1
	}
	return p
}

// Add registers more matching selectors.
func (p *Page) Add(selectors ...string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.Elements[s] = 1
	}
	return p
}

// Remove unregisters selectors.
func (p *Page) Remove(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.Elements, s)
	}
}

// SetHTML replaces the page markup returned by HTML.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	p.Body = html
	p.mu.Unlock()
}

// CallLog returns a copy of the recorded calls.
func (p *Page) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

// Has reports whether a call with the given prefix was recorded.
func (p *Page) Has(prefix string) bool {
	for _, c := range p.CallLog() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (p *Page) record(call string, sel string) error {
	p.mu.Lock()
	p.Calls = append(p.Calls, call)
	var err error
	for prefix, e := range p.Fail {
		if strings.HasPrefix(call, prefix) {
			err = e
			break
		}
	}
	if err == nil && sel != "" && p.Elements[sel] == 0 {
		err = fmt.Errorf("%s: %w", sel, ErrNotFound)
	}
	hook := p.OnCall
	p.mu.Unlock()

	if err == nil && hook != nil {
		hook(p, call)
	}
	return err
}

func (p *Page) Navigate(url string) error {
	err := p.record("navigate "+url, "")
	if err == nil {
		p.mu.Lock()
		p.Current = url
		p.mu.Unlock()
	}
	return err
}

func (p *Page) URL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Current, nil
}

func (p *Page) WaitStable(time.Duration) error { return p.record("wait-stable", "") }

func (p *Page) WaitVisible(sel string, _ time.Duration) error {
	return p.record("wait-visible "+sel, sel)
}

func (p *Page) Count(sel string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Elements[sel], nil
}

func (p *Page) Fill(sel, value string) error {
	return p.record(fmt.Sprintf("fill %s=%s", sel, value), sel)
}

func (p *Page) FillNth(sel string, n int, value string) error {
	p.mu.Lock()
	count := p.Elements[sel]
	p.mu.Unlock()
	if n >= count {
		return fmt.Errorf("%s[%d]: %w", sel, n, ErrNotFound)
	}
	return p.record(fmt.Sprintf("fill %s[%d]=%s", sel, n, value), sel)
}

func (p *Page) Click(sel string) error { return p.record("click "+sel, sel) }

func (p *Page) ClickText(text string) (bool, error) {
	p.mu.Lock()
	ok := p.Texts[text]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, p.record("clicktext "+text, "")
}

func (p *Page) Check(sel string) error { return p.record("check "+sel, sel) }

func (p *Page) SelectValue(sel, value string) error {
	return p.record(fmt.Sprintf("select %s=%s", sel, value), sel)
}

func (p *Page) SelectLabel(sel, label string) error {
	return p.record(fmt.Sprintf("select-label %s=%s", sel, label), sel)
}

func (p *Page) SelectIndex(sel string, i int) error {
	return p.record(fmt.Sprintf("select-index %s=%d", sel, i), sel)
}

// HTML fails with Fail["html"] when set; it is not recorded in Calls.
func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Fail["html"]; err != nil {
		return "", err
	}
	if p.Body == "" {
		return "<html><body></body></html>", nil
	}
	return p.Body, nil
}

func (p *Page) ExpectDownload(_ time.Duration, trigger func() error) (*browser.Download, error) {
	if err := trigger(); err != nil {
		return nil, err
	}
	if err := p.record("download", ""); err != nil {
		return nil, err
	}
	if p.NoDownload {
		return nil, errors.New("download timeout")
	}
	name := p.DownloadName
	if name == "" {
		name = "report.xlsx"
	}
	dir := p.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, p.DownloadContent, 0644); err != nil {
		return nil, err
	}
	return &browser.Download{Path: path, SuggestedName: name}, nil
}

func (p *Page) Screenshot() ([]byte, error) {
	if err := p.record("screenshot", ""); err != nil {
		return nil, err
	}
	return []byte("\x89PNG"), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.Closed++
	p.mu.Unlock()
	return nil
}

// Launcher hands out pages built by New and tracks them.
type Launcher struct {
	New func() *Page
	Err error

	mu    sync.Mutex
	Pages []*Page
}

func (l *Launcher) Launch(_ context.Context, downloadDir string) (browser.Page, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	p := NewPage()
	if l.New != nil {
		p = l.New()
	}
	p.DownloadDir = downloadDir
	l.mu.Lock()
	l.Pages = append(l.Pages, p)
	l.mu.Unlock()
	return p, nil
}

// Open returns how many launched pages were never closed.
func (l *Launcher) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.Pages {
		p.mu.Lock()
		if p.Closed == 0 {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

var _ browser.Page = (*Page)(nil)
var _ browser.Launcher = (*Launcher)(nil)
