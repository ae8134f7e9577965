package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/jmylchreest/mapscrape/internal/logger"
)

// Chrome is a Driver backed by a chromedp-controlled Chrome or Chromium.
type Chrome struct {
	opts Options

	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	tabCtx      context.Context
	cancelTab   context.CancelFunc

	// profileDir is removed on Quit when we created it.
	profileDir   string
	ownedProfile bool

	closeOnce sync.Once
	closeErr  error
	quitOnce  sync.Once
	quitErr   error
}

var (
	_ Driver        = (*Chrome)(nil)
	_ Screenshotter = (*Chrome)(nil)
)

// NewChromeFactory adapts NewChrome to a Factory.
func NewChromeFactory() Factory {
	return func(ctx context.Context, opts Options) (Driver, error) {
		return NewChrome(ctx, opts)
	}
}

// NewChrome launches a browser with its own profile directory and verifies
// that it answers within the navigation timeout.
func NewChrome(ctx context.Context, opts Options) (*Chrome, error) {
	opts = opts.withDefaults()

	c := &Chrome{opts: opts, profileDir: opts.ProfileDir}
	if c.profileDir == "" {
		dir, err := os.MkdirTemp("", "mapscrape-"+uuid.NewString()+"-")
		if err != nil {
			return nil, fmt.Errorf("failed to create profile dir: %w", err)
		}
		c.profileDir = dir
		c.ownedProfile = true
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserDataDir(c.profileDir),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.DisableDevShm {
		allocOpts = append(allocOpts, chromedp.Flag("disable-dev-shm-usage", true))
	}
	if opts.DisableImages {
		allocOpts = append(allocOpts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	execPath := opts.ExecPath
	if execPath == "" {
		execPath = FindChromePath()
	}
	if execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(execPath))
	}

	// The browser outlives the request context so teardown can still run
	// after the caller cancels.
	c.allocCtx, c.cancelAlloc = chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	c.tabCtx, c.cancelTab = chromedp.NewContext(c.allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug("chromedp error", "msg", fmt.Sprintf(format, args...))
		}),
	)

	logger.Debug("launching browser",
		"headless", opts.Headless,
		"profile", c.profileDir,
		"exec", execPath)

	launched := make(chan error, 1)
	go func() {
		// The first Run allocates the browser and binds it to tabCtx.
		launched <- chromedp.Run(c.tabCtx)
	}()

	timer := time.NewTimer(opts.NavTimeout)
	defer timer.Stop()

	select {
	case err := <-launched:
		if err != nil {
			c.abort(nil)
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-timer.C:
		c.abort(launched)
		return nil, fmt.Errorf("failed to start browser: no response after %s", opts.NavTimeout)
	case <-ctx.Done():
		c.abort(launched)
		return nil, ctx.Err()
	}

	return c, nil
}

// abortWait bounds how long abort waits for the launch goroutine to notice
// its context was cancelled before the profile dir is removed.
const abortWait = 2 * time.Second

// abort tears down a half-started browser without the graceful close, which
// would talk to a browser that is not answering. launched, if not nil, is the
// pending result of the launch goroutine.
func (c *Chrome) abort(launched <-chan error) {
	c.closeOnce.Do(c.cancelTab)
	c.cancelAlloc()
	if launched != nil {
		select {
		case <-launched:
		case <-time.After(abortWait):
			logger.Debug("browser launch did not stop after cancel", "wait", abortWait)
		}
	}
	_ = c.Quit()
}

// run executes actions against the tab, bounded by timeout and by ctx.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.tabCtx.Err() != nil {
		return ErrWindowClosed
	}

	runCtx, cancel := context.WithTimeout(c.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && c.tabCtx.Err() == nil {
		return fmt.Errorf("browser call timed out after %s: %w", timeout, err)
	}
	return classify(err, c.tabCtx.Err() != nil)
}

// classify maps CDP failures onto the package's sentinel errors.
func classify(err error, tabGone bool) error {
	if err == nil {
		return nil
	}
	if tabGone {
		return fmt.Errorf("%w: %v", ErrWindowClosed, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "node with given id"),
		strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "node is detached"),
		strings.Contains(msg, "cannot find context with specified id"):
		return fmt.Errorf("%w: %v", ErrStaleHandle, err)
	case strings.Contains(msg, "target closed"),
		strings.Contains(msg, "no such window"),
		strings.Contains(msg, "websocket"),
		strings.Contains(msg, "channel closed"),
		strings.Contains(msg, "invalid context"):
		return fmt.Errorf("%w: %v", ErrWindowClosed, err)
	}
	return err
}

// Navigate loads url and waits for the document body.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	logger.Debug("navigating", "url", url)
	return c.run(ctx, c.opts.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Find returns handles for every element matching selector right now.
func (c *Chrome) Find(ctx context.Context, selector string) ([]Handle, error) {
	var nodes []*cdp.Node
	err := c.run(ctx, c.opts.ImplicitWait,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, err
	}

	handles := make([]Handle, 0, len(nodes))
	for _, n := range nodes {
		handles = append(handles, Handle(n.NodeID))
	}
	return handles, nil
}

// Text returns the element's innerText.
func (c *Chrome) Text(ctx context.Context, h Handle) (string, error) {
	var text string
	err := c.run(ctx, c.opts.ImplicitWait, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(cdp.NodeID(h)).Do(ctx)
		if err != nil {
			return err
		}
		res, exc, err := runtime.CallFunctionOn(`function() { return this.innerText || this.textContent || ""; }`).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("reading text: %s", exc.Text)
		}
		return json.Unmarshal(res.Value, &text)
	}))
	return text, err
}

// Attr returns attribute name of h, or "" when the element does not carry it.
func (c *Chrome) Attr(ctx context.Context, h Handle, name string) (string, error) {
	var attrs []string
	err := c.run(ctx, c.opts.ImplicitWait, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		attrs, err = dom.GetAttributes(cdp.NodeID(h)).Do(ctx)
		return err
	}))
	if err != nil {
		return "", err
	}
	// Attributes come back as a flat name, value, name, value list.
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return attrs[i+1], nil
		}
	}
	return "", nil
}

// HTML returns the outer HTML of h.
func (c *Chrome) HTML(ctx context.Context, h Handle) (string, error) {
	var html string
	err := c.run(ctx, c.opts.ImplicitWait, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		html, err = dom.GetOuterHTML().WithNodeID(cdp.NodeID(h)).Do(ctx)
		return err
	}))
	return html, err
}

// Exists reports whether selector matches an element with a non-empty box.
func (c *Chrome) Exists(ctx context.Context, selector string) (bool, error) {
	script := fmt.Sprintf(`(function() {
		var el = document.querySelector(%s);
		if (!el) return false;
		var r = el.getBoundingClientRect();
		return r.width > 0 || r.height > 0;
	})()`, jsString(selector))

	var visible bool
	if err := c.run(ctx, c.opts.ImplicitWait, chromedp.Evaluate(script, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

// ScrollBy scrolls the panel down by px, or by one panel height when px <= 0.
func (c *Chrome) ScrollBy(ctx context.Context, panelSelector string, px int) error {
	script := fmt.Sprintf(`(function() {
		var panel = document.querySelector(%s);
		if (!panel) return false;
		var step = %d;
		panel.scrollBy(0, step > 0 ? step : panel.offsetHeight);
		return true;
	})()`, jsString(panelSelector), px)
	return c.scroll(ctx, panelSelector, script)
}

// ScrollToBottom jumps the panel to its current scroll height.
func (c *Chrome) ScrollToBottom(ctx context.Context, panelSelector string) error {
	script := fmt.Sprintf(`(function() {
		var panel = document.querySelector(%s);
		if (!panel) return false;
		panel.scrollTop = panel.scrollHeight;
		return true;
	})()`, jsString(panelSelector))
	return c.scroll(ctx, panelSelector, script)
}

func (c *Chrome) scroll(ctx context.Context, panelSelector, script string) error {
	var found bool
	if err := c.run(ctx, c.opts.ImplicitWait, chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, panelSelector)
	}
	return nil
}

// ScrollIntoView scrolls h into its container's visible area.
func (c *Chrome) ScrollIntoView(ctx context.Context, h Handle) error {
	return c.run(ctx, c.opts.ImplicitWait, chromedp.ActionFunc(func(ctx context.Context) error {
		return dom.ScrollIntoViewIfNeeded().WithNodeID(cdp.NodeID(h)).Do(ctx)
	}))
}

// CaptureScreenshot grabs the current viewport for debugging failed sessions.
func (c *Chrome) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Short, fixed bound: the browser may already be in a bad state.
	if err := c.run(ctx, 5*time.Second, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// cancelBrowser asks the browser to close the tab gracefully.
var cancelBrowser = chromedp.Cancel

// Close closes the tab, waiting at most the implicit wait for the browser to
// acknowledge. It is safe to call more than once and after the window has
// been closed by other means.
func (c *Chrome) Close() error {
	c.closeOnce.Do(func() {
		if c.tabCtx == nil {
			return
		}
		defer c.cancelTab()
		if c.tabCtx.Err() != nil {
			return
		}

		timeout := c.opts.ImplicitWait
		if timeout <= 0 {
			timeout = DefaultOptions().ImplicitWait
		}
		closeCtx, cancel := context.WithTimeout(c.tabCtx, timeout)
		defer cancel()

		graceful := cancelBrowser
		done := make(chan error, 1)
		go func() {
			done <- graceful(closeCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				c.closeErr = fmt.Errorf("failed to close window: %w", err)
			}
		case <-closeCtx.Done():
			// The browser stopped answering. Drop the connection and the
			// process rather than wait on it.
			c.closeErr = fmt.Errorf("failed to close window: no response after %s", timeout)
			if c.cancelAlloc != nil {
				c.cancelAlloc()
			}
		}
	})
	return c.closeErr
}

// Quit stops the browser process and removes a generated profile directory.
func (c *Chrome) Quit() error {
	c.quitOnce.Do(func() {
		if c.cancelTab != nil {
			c.cancelTab()
		}
		if c.cancelAlloc != nil {
			c.cancelAlloc()
		}
		if c.ownedProfile {
			if err := os.RemoveAll(c.profileDir); err != nil {
				c.quitErr = fmt.Errorf("failed to remove profile dir: %w", err)
			}
		}
		logger.Debug("browser stopped", "profile", c.profileDir)
	})
	return c.quitErr
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Common Chrome/Chromium binary names across different systems
var chromeBinaryNames = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/snap/bin/chromium",
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
}

// FindChromePath searches PATH and well-known install locations for a
// Chrome/Chromium binary. Returns "" when none is found, in which case
// chromedp falls back to its own lookup.
func FindChromePath() string {
	for _, name := range chromeBinaryNames {
		if path, err := exec.LookPath(name); err == nil {
			logger.Debug("found Chrome binary", "name", name, "path", path)
			return path
		}
	}
	logger.Warn("no Chrome binary found - browser launch may fail")
	return ""
}
