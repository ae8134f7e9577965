// Package browser abstracts the headless browser that renders the results
// page. The engine and the session controller only ever talk to a Driver;
// the chromedp-backed implementation lives in chrome.go.
package browser

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for driver failures.
var (
	// ErrStaleHandle is returned when a Handle no longer refers to a node in
	// the current document, typically because the panel re-rendered.
	ErrStaleHandle = errors.New("stale element handle")

	// ErrWindowClosed is returned when the browser window or target is gone.
	ErrWindowClosed = errors.New("browser window closed")

	// ErrNotFound is returned when a selector matched nothing where a match
	// was required (scroll targets).
	ErrNotFound = errors.New("element not found")
)

// Handle is an opaque reference to one rendered element. It is only valid
// for the DOM snapshot it was read from and must not be kept across scrolls.
type Handle int64

// Driver is the minimal surface the scraper needs from a browser.
// Every call is bounded by the driver's implicit wait.
type Driver interface {
	// Navigate loads url and waits for the initial document.
	Navigate(ctx context.Context, url string) error

	// Find returns handles for all elements currently matching selector.
	// No match is not an error.
	Find(ctx context.Context, selector string) ([]Handle, error)

	// Text returns the rendered text of h.
	Text(ctx context.Context, h Handle) (string, error)

	// Attr returns the value of attribute name on h, or "" when absent.
	Attr(ctx context.Context, h Handle, name string) (string, error)

	// HTML returns the outer HTML of h.
	HTML(ctx context.Context, h Handle) (string, error)

	// Exists reports whether selector matches a visible element.
	Exists(ctx context.Context, selector string) (bool, error)

	// ScrollBy scrolls the element matching panelSelector down by px pixels.
	// px <= 0 scrolls by one viewport of the panel.
	ScrollBy(ctx context.Context, panelSelector string, px int) error

	// ScrollToBottom scrolls the panel to its current scroll height.
	ScrollToBottom(ctx context.Context, panelSelector string) error

	// ScrollIntoView brings h into the visible area of its scroll container.
	ScrollIntoView(ctx context.Context, h Handle) error

	// Close closes the current window.
	Close() error

	// Quit shuts the browser down and releases its profile.
	Quit() error
}

// Factory opens a new Driver. The session controller takes one so that tests
// can substitute a scripted driver.
type Factory func(ctx context.Context, opts Options) (Driver, error)

// Options configures a browser launch.
type Options struct {
	Headless      bool          `mapstructure:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	DisableDevShm bool          `mapstructure:"disable_dev_shm"`
	DisableImages bool          `mapstructure:"disable_images"`
	ProfileDir    string        `mapstructure:"profile_dir"`
	ImplicitWait  time.Duration `mapstructure:"implicit_wait" validate:"gt=0"`
	NavTimeout    time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	UserAgent     string        `mapstructure:"user_agent"`
	WindowWidth   int           `mapstructure:"window_width" validate:"gte=0"`
	WindowHeight  int           `mapstructure:"window_height" validate:"gte=0"`
	ExecPath      string        `mapstructure:"exec_path"`
}

// DefaultOptions returns options suitable for containerized execution.
func DefaultOptions() Options {
	return Options{
		Headless:      true,
		NoSandbox:     true,
		DisableDevShm: true,
		DisableImages: true,
		ImplicitWait:  10 * time.Second,
		NavTimeout:    30 * time.Second,
		UserAgent:     defaultUserAgent,
		WindowWidth:   1920,
		WindowHeight:  1080,
	}
}

// withDefaults fills zero durations so a partially built Options never
// produces an unbounded wait.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ImplicitWait <= 0 {
		o.ImplicitWait = d.ImplicitWait
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = d.NavTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.WindowWidth == 0 || o.WindowHeight == 0 {
		o.WindowWidth, o.WindowHeight = d.WindowWidth, d.WindowHeight
	}
	return o
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Screenshotter is implemented by drivers that can capture the viewport.
// It is used to save a debug image when a session fails.
type Screenshotter interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}
