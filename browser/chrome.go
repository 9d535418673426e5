package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/commission-vm/logging"
	"github.com/phuslu/log"
)

// Options configures each launched Chrome instance.
type Options struct {
	Headless     bool
	Debug        bool
	UserAgent    string
	Locale       string
	Timeout      time.Duration
	WindowWidth  int
	WindowHeight int
}

// ChromeLauncher starts a new headless Chrome per Launch call.
type ChromeLauncher struct {
	Options Options
	Logger  *log.Logger
}

func NewChromeLauncher(opts Options, logger *log.Logger) *ChromeLauncher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.WindowWidth == 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	return &ChromeLauncher{Options: opts, Logger: logging.Component(logger, "browser")}
}

// Chrome is a Page backed by chromedp.
type Chrome struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *log.Logger
	timeout     time.Duration
	downloadDir string
	downloads   chan string

	mu        sync.Mutex
	suggested map[string]string
	closed    bool
}

// Launch starts Chrome with downloads routed to downloadDir. Cancelling ctx kills the browser.
func (l *ChromeLauncher) Launch(ctx context.Context, downloadDir string) (Page, error) {
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	absDownloadPath, err := filepath.Abs(downloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	headless := l.Options.Headless && !l.Options.Debug
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(l.Options.WindowWidth, l.Options.WindowHeight),
	)
	if l.Options.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.Options.UserAgent))
	}
	if l.Options.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", l.Options.Locale))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	cctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logging.Printf(l.Logger)))

	c := &Chrome{
		ctx:         cctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      l.Logger,
		timeout:     l.Options.Timeout,
		downloadDir: absDownloadPath,
		downloads:   make(chan string, 4),
		suggested:   make(map[string]string),
	}

	if err := chromedp.Run(c.ctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDownloadPath).
			WithEventsEnabled(true),
	); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to set download behavior: %w", err)
	}

	chromedp.ListenBrowser(c.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *browser.EventDownloadWillBegin:
			c.mu.Lock()
			c.suggested[e.GUID] = e.SuggestedFilename
			c.mu.Unlock()
			c.logger.Debug().Str("guid", e.GUID).Str("file", e.SuggestedFilename).Msg("download started")
		case *browser.EventDownloadProgress:
			if e.State != browser.DownloadProgressStateCompleted {
				return
			}
			c.mu.Lock()
			name := c.suggested[e.GUID]
			c.mu.Unlock()
			path, err := finalizeDownload(absDownloadPath, e.GUID, name)
			if err != nil {
				c.logger.Warn().Err(err).Str("guid", e.GUID).Msg("download completed but file not found")
				return
			}
			c.logger.Info().Str("path", path).Msg("download completed")
			select {
			case c.downloads <- path:
			default:
			}
		}
	})

	chromedp.ListenTarget(c.ctx, func(ev interface{}) {
		if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			c.logger.Info().Str("message", e.Message).Msg("accepting dialog")
			go chromedp.Run(c.ctx, page.HandleJavaScriptDialog(true))
		}
	})

	c.logger.Info().Bool("headless", headless).Str("download_dir", absDownloadPath).Msg("browser initialized")
	return c, nil
}

// finalizeDownload renames the GUID-named file to carry the suggested extension.
func finalizeDownload(dir, guid, suggested string) (string, error) {
	guidFile := filepath.Join(dir, guid)
	if _, err := os.Stat(guidFile); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(suggested))
	if ext == "" {
		ext = ".xlsx"
	}
	target := guidFile + ext
	if err := os.Rename(guidFile, target); err != nil {
		return "", fmt.Errorf("failed to rename download: %w", err)
	}
	return target, nil
}

// newestFile returns the most recent finished download in dir modified after since.
func newestFile(dir string, since time.Time) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var best string
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".crdownload") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return best, best != ""
}

// settled reports whether path has not been written to for at least d.
func settled(path string, d time.Duration) bool {
	info, err := os.Stat(path)
	return err == nil && time.Since(info.ModTime()) >= d
}

func (c *Chrome) run(timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func (c *Chrome) Navigate(url string) error {
	c.logger.Debug().Str("url", url).Msg("navigate")
	if err := c.run(0, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (c *Chrome) URL() (string, error) {
	var u string
	err := c.run(0, chromedp.Location(&u))
	return u, err
}

func (c *Chrome) WaitStable(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	deadline := time.Now().Add(timeout)
	for {
		var state string
		err := c.run(5*time.Second, chromedp.Evaluate(`document.readyState`, &state))
		if err == nil && state == "complete" {
			// give late XHR-driven rendering a moment
			time.Sleep(500 * time.Millisecond)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("page not stable after %s", timeout)
		}
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (c *Chrome) WaitVisible(sel string, timeout time.Duration) error {
	if err := c.run(timeout, chromedp.WaitVisible(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %s not visible: %w", sel, err)
	}
	return nil
}

func (c *Chrome) Count(sel string) (int, error) {
	var n int
	err := c.run(0, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(sel)), &n))
	return n, err
}

func (c *Chrome) Fill(sel, value string) error {
	if err := c.run(0,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to fill %s: %w", sel, err)
	}
	return nil
}

func (c *Chrome) FillNth(sel string, n int, value string) error {
	var nodes []*cdp.Node
	if err := c.run(0, chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll)); err != nil {
		return fmt.Errorf("failed to find %s: %w", sel, err)
	}
	if n >= len(nodes) {
		return fmt.Errorf("only %d elements match %s", len(nodes), sel)
	}
	if err := c.run(0, chromedp.SendKeys([]cdp.NodeID{nodes[n].NodeID}, value, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("failed to fill %s[%d]: %w", sel, n, err)
	}
	return nil
}

func (c *Chrome) Click(sel string) error {
	if err := c.run(0, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click %s: %w", sel, err)
	}
	return nil
}

func (c *Chrome) ClickText(text string) (bool, error) {
	var clicked bool
	err := c.run(0, chromedp.Evaluate(fmt.Sprintf(`
		(function(text) {
			var els = document.querySelectorAll('button, a, input[type=submit], input[type=button], [role=button]');
			for (var i = 0; i < els.length; i++) {
				var t = (els[i].textContent || els[i].value || '').trim();
				if (t.indexOf(text) >= 0) {
					els[i].click();
					return true;
				}
			}
			return false;
		})(%s)
	`, jsString(text)), &clicked))
	return clicked, err
}

func (c *Chrome) Check(sel string) error {
	var ok bool
	err := c.run(0, chromedp.Evaluate(fmt.Sprintf(`
		(function(sel) {
			var el = document.querySelector(sel);
			if (!el) return false;
			if (!el.checked) el.click();
			return true;
		})(%s)
	`, jsString(sel)), &ok))
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", sel, err)
	}
	if !ok {
		return fmt.Errorf("element %s not found", sel)
	}
	return nil
}

// selectBy picks an option in a <select> and fires the change events frameworks listen for.
func (c *Chrome) selectBy(sel, mode string, arg any) error {
	var ok bool
	argJSON, _ := json.Marshal(arg)
	err := c.run(0, chromedp.Evaluate(fmt.Sprintf(`
		(function(sel, mode, arg) {
			var el = document.querySelector(sel);
			if (!el || !el.options) return false;
			for (var i = 0; i < el.options.length; i++) {
				var o = el.options[i];
				var hit = (mode === 'value' && o.value === arg) ||
					(mode === 'label' && o.textContent.trim() === arg) ||
					(mode === 'index' && i === arg);
				if (hit) {
					el.selectedIndex = i;
					el.dispatchEvent(new Event('input', {bubbles: true}));
					el.dispatchEvent(new Event('change', {bubbles: true}));
					return true;
				}
			}
			return false;
		})(%s, %s, %s)
	`, jsString(sel), jsString(mode), string(argJSON)), &ok))
	if err != nil {
		return fmt.Errorf("failed to select %s in %s: %w", mode, sel, err)
	}
	if !ok {
		return fmt.Errorf("no option with %s %v in %s", mode, arg, sel)
	}
	return nil
}

func (c *Chrome) SelectValue(sel, value string) error { return c.selectBy(sel, "value", value) }
func (c *Chrome) SelectLabel(sel, label string) error { return c.selectBy(sel, "label", label) }
func (c *Chrome) SelectIndex(sel string, i int) error { return c.selectBy(sel, "index", i) }

func (c *Chrome) HTML() (string, error) {
	var html string
	err := c.run(0, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (c *Chrome) ExpectDownload(timeout time.Duration, trigger func() error) (*Download, error) {
	for len(c.downloads) > 0 {
		<-c.downloads
	}
	started := time.Now()
	if err := trigger(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case path := <-c.downloads:
			return &Download{Path: path, SuggestedName: filepath.Base(path)}, nil
		case <-poll.C:
			// event may be missed when the download opens in a new tab
			path, ok := newestFile(c.downloadDir, started)
			if !ok {
				continue
			}
			if filepath.Ext(path) == "" {
				if !settled(path, 2*time.Second) {
					continue
				}
				renamed, err := finalizeDownload(c.downloadDir, filepath.Base(path), "")
				if err != nil {
					continue
				}
				path = renamed
			}
			return &Download{Path: path, SuggestedName: filepath.Base(path)}, nil
		case <-timer.C:
			return nil, errors.New("download timeout")
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

func (c *Chrome) Screenshot() ([]byte, error) {
	var buf []byte
	if err := c.run(30*time.Second, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close shuts the tab and the browser process. Safe to call more than once.
func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.logger.Debug().Msg("browser closed")
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
