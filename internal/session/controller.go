// Package session owns the lifecycle of one scrape: start a browser, open
// the search page, hand it to the scroll engine, and always tear the browser
// down again. Failures are reported through the status channel and the
// returned Result; Run never returns an error or panics.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jmylchreest/mapscrape/internal/browser"
	"github.com/jmylchreest/mapscrape/internal/engine"
	"github.com/jmylchreest/mapscrape/internal/listing"
	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/status"
)

// Config holds session settings.
type Config struct {
	URLTemplate string `mapstructure:"url_template" validate:"required,contains={query}"`

	// SettleDelay is the pause after navigation for the first paint.
	SettleDelay time.Duration `mapstructure:"settle_delay" validate:"gte=0"`

	NavigationAttempts int           `mapstructure:"navigation_attempts" validate:"gte=1"`
	NavigationBackoff  time.Duration `mapstructure:"navigation_backoff" validate:"gte=0"`

	// ScreenshotDir, when set, receives a PNG of the page when a session
	// fails and the driver can capture one.
	ScreenshotDir string `mapstructure:"screenshot_dir"`

	Browser   browser.Options   `mapstructure:"browser"`
	Engine    engine.Config     `mapstructure:"engine"`
	Selectors listing.Selectors `mapstructure:"selectors"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URLTemplate:        DefaultURLTemplate,
		SettleDelay:        time.Second,
		NavigationAttempts: 2,
		NavigationBackoff:  2 * time.Second,
		Browser:            browser.DefaultOptions(),
		Engine:             engine.DefaultConfig(),
		Selectors:          listing.DefaultSelectors(),
	}
}

// Result is the outcome of one session. Records holds whatever was
// collected, even when Err is set.
type Result struct {
	SessionID string
	Query     string
	Format    output.Format
	Records   []listing.Record
	Rounds    int
	Reason    engine.StopReason
	Messages  []string
	Err       error
	Duration  time.Duration
}

// Controller runs sessions. It holds no per-session state, so one
// Controller may run several sessions concurrently.
type Controller struct {
	cfg       Config
	factory   browser.Factory
	status    status.Channel
	clock     engine.Clock
	extractor listing.Extractor
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for settle and backoff delays and
// passed on to the engine.
func WithClock(c engine.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithExtractor replaces the card extractor.
func WithExtractor(e listing.Extractor) Option {
	return func(ctl *Controller) {
		ctl.extractor = e
	}
}

// New creates a Controller. ch receives every session's messages in
// addition to the per-session record kept in Result.Messages.
func New(cfg Config, factory browser.Factory, ch status.Channel, opts ...Option) *Controller {
	if ch == nil {
		ch = status.Discard
	}
	if cfg.NavigationAttempts < 1 {
		cfg.NavigationAttempts = 1
	}
	c := &Controller{
		cfg:       cfg,
		factory:   factory,
		status:    ch,
		clock:     engine.RealClock{},
		extractor: listing.NewCardExtractor(cfg.Selectors),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one scrape session end to end.
func (c *Controller) Run(ctx context.Context, req Request) (res Result) {
	start := c.clock.Now()
	id := uuid.NewString()
	log := logger.ForSession(id)

	rec := status.NewRecorder()
	ch := status.Multi(rec, c.status, status.Logging{Logger: log})

	res = Result{SessionID: id, Query: req.Query, Format: req.Format}
	defer func() {
		res.Messages = rec.Messages()
		res.Duration = c.clock.Now().Sub(start)
		log.Info("session finished",
			"query", res.Query,
			"records", len(res.Records),
			"rounds", res.Rounds,
			"reason", res.Reason,
			"error", res.Err,
			"duration", res.Duration)
	}()

	if err := req.Validate(); err != nil {
		ch.Emit(fmt.Sprintf("Invalid request: %v", err))
		ch.MarkEnd()
		res.Err = err
		return res
	}

	ch.Emit("Preparing browser driver...")

	opts := c.cfg.Browser
	opts.Headless = req.Headless
	// Every session gets a fresh profile; sharing one leaks state and
	// contends on Chrome's profile lock.
	opts.ProfileDir = ""

	d, err := c.openDriver(ctx, opts)
	if err != nil {
		ch.Emit(fmt.Sprintf("Error initializing driver: %v", err))
		ch.MarkEnd()
		res.Err = &DriverInitError{Err: err}
		return res
	}
	ch.Emit("Opening browser...")

	out, err := c.scrape(ctx, d, req, ch, id)
	res.Records, res.Rounds, res.Reason = out.Records, out.Rounds, out.Reason
	res.Err = err

	ch.Emit("Closing the driver")
	c.teardown(d, ch)
	ch.MarkEnd()
	ch.Emit("Now you can start another session")

	return res
}

// openDriver calls the factory, converting a panic into an error.
func (c *Controller) openDriver(ctx context.Context, opts browser.Options) (d browser.Driver, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	d, err = c.factory(ctx, opts)
	if err == nil && d == nil {
		err = errors.New("factory returned no driver")
	}
	return d, err
}

// scrape covers navigation through extraction. Every failure becomes a
// status message; partial records are kept.
func (c *Controller) scrape(ctx context.Context, d browser.Driver, req Request, ch status.Channel, id string) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during scrape: %v", r)
			res.Reason = engine.StopFailed
			ch.Emit(fmt.Sprintf("Error occurred while scraping. Error: %v", err))
		}
	}()

	target := BuildURL(c.cfg.URLTemplate, req.Query)
	if err := c.navigate(ctx, d, target); err != nil {
		ch.Emit(fmt.Sprintf("Error occurred while scraping. Error: %v", err))
		c.saveScreenshot(ctx, d, id)
		return engine.Result{Reason: engine.StopFailed}, err
	}

	ch.Emit("Working start...")

	if c.cfg.SettleDelay > 0 {
		if err := c.clock.Sleep(ctx, c.cfg.SettleDelay); err != nil {
			ch.Emit(fmt.Sprintf("Error occurred while scraping. Error: %v", err))
			return engine.Result{Reason: engine.StopCanceled}, err
		}
	}

	eng, err := engine.New(d, c.extractor, c.cfg.Engine, ch, engine.WithClock(c.clock))
	if err != nil {
		ch.Emit(fmt.Sprintf("Error occurred while scraping. Error: %v", err))
		return engine.Result{Reason: engine.StopFailed}, err
	}

	res = eng.Run(ctx)
	if res.Err != nil {
		ch.Emit(fmt.Sprintf("Error occurred while scraping. Error: %v", res.Err))
		if res.Reason == engine.StopFailed {
			c.saveScreenshot(ctx, d, id)
		}
	}
	ch.Emit(fmt.Sprintf("Collected %s listings", humanize.Comma(int64(len(res.Records)))))

	return res, res.Err
}

// navigate opens url, retrying with exponential backoff. A closed window or
// a cancelled context is not retried.
func (c *Controller) navigate(ctx context.Context, d browser.Driver, url string) error {
	var lastErr error
	attempts := c.cfg.NavigationAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.Navigate(ctx, url)
		if err == nil {
			if attempt > 1 {
				logger.Info("navigation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, browser.ErrWindowClosed) {
			return &NavigationError{URL: url, Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			break
		}

		delay := c.cfg.NavigationBackoff * time.Duration(1<<(attempt-1))
		logger.Warn("navigation failed, retrying",
			"url", url,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return &NavigationError{URL: url, Attempts: attempt, Err: err}
		}
	}

	return &NavigationError{URL: url, Attempts: attempts, Err: lastErr}
}

// teardown closes then quits the driver exactly once. Errors are reported
// and swallowed.
func (c *Controller) teardown(d browser.Driver, ch status.Channel) {
	step := func(op string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				ch.Emit((&TeardownError{Op: op, Err: fmt.Errorf("panic: %v", r)}).Error())
			}
		}()
		if err := fn(); err != nil && !errors.Is(err, browser.ErrWindowClosed) {
			ch.Emit((&TeardownError{Op: op, Err: err}).Error())
		}
	}
	step("close", d.Close)
	step("quit", d.Quit)
}

// saveScreenshot writes a debug capture when configured and supported.
func (c *Controller) saveScreenshot(ctx context.Context, d browser.Driver, id string) {
	if c.cfg.ScreenshotDir == "" {
		return
	}
	s, ok := d.(browser.Screenshotter)
	if !ok {
		return
	}
	img, err := s.CaptureScreenshot(context.WithoutCancel(ctx))
	if err != nil {
		logger.Debug("screenshot capture failed", "error", err)
		return
	}
	path := filepath.Join(c.cfg.ScreenshotDir, "mapscrape-debug-"+id+".png")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		logger.Debug("screenshot write failed", "path", path, "error", err)
		return
	}
	logger.Debug("debug screenshot saved", "path", path)
}
