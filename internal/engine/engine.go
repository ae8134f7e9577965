// Package engine implements the scroll-and-extract loop: scan the rendered
// listings, record the new ones, scroll the results panel, wait for the next
// batch to render, and decide when the list is exhausted.
//
// The loop runs strictly sequentially on the caller's goroutine. Scrolling
// while reading would race the panel's renderer.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/mapscrape/internal/browser"
	"github.com/jmylchreest/mapscrape/internal/listing"
	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/status"
)

// StopReason says why Run returned.
type StopReason string

const (
	StopStale     StopReason = "stale"      // no new listings for StaleRoundThreshold rounds
	StopEndMarker StopReason = "end_marker" // the end-of-list marker became visible
	StopMaxRounds StopReason = "max_rounds" // the round cap was reached
	StopFailed    StopReason = "failed"     // the driver raised a fatal error
	StopCanceled  StopReason = "canceled"   // the context was cancelled
)

// Done reports whether the reason is a normal completion.
func (r StopReason) Done() bool {
	return r == StopStale || r == StopEndMarker || r == StopMaxRounds
}

// Result is the outcome of one Run. Records holds everything collected even
// when the run failed.
type Result struct {
	Records []listing.Record
	Rounds  int
	Reason  StopReason
	Err     error
}

// Engine drives one scroll session against a Driver that has already been
// navigated to the results page.
type Engine struct {
	driver    browser.Driver
	extractor listing.Extractor
	cfg       Config
	status    status.Channel
	clock     Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an Engine. The config is validated here so that Run never
// starts a loop that cannot terminate.
func New(d browser.Driver, ext listing.Extractor, cfg Config, ch status.Channel, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ch == nil {
		ch = status.Discard
	}
	e := &Engine{
		driver:    d,
		extractor: ext,
		cfg:       cfg,
		status:    ch,
		clock:     RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// fingerprint summarises a scan so the render wait can tell when the panel
// has changed. key is the identity of the last listing, which catches a
// virtualized panel reusing its last node for new content.
type fingerprint struct {
	count int
	last  browser.Handle
	key   string
}

func fingerprintOf(hs []browser.Handle, lastKey string) fingerprint {
	if len(hs) == 0 {
		return fingerprint{}
	}
	return fingerprint{count: len(hs), last: hs[len(hs)-1], key: lastKey}
}

// Run scrolls and extracts until a stop condition is met.
func (e *Engine) Run(ctx context.Context) Result {
	results := NewResultSet()
	stale := 0
	round := 0

	finish := func(reason StopReason, err error) Result {
		if err != nil && ctx.Err() != nil {
			reason, err = StopCanceled, ctx.Err()
		}
		logger.Debug("scroll session finished",
			"rounds", round,
			"records", results.Len(),
			"reason", reason,
			"error", err)
		return Result{Records: results.Records(), Rounds: round, Reason: reason, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StopCanceled, err)
		}
		round++

		// Scanning
		handles, err := e.driver.Find(ctx, e.cfg.ListingSelector)
		if err != nil {
			return finish(StopFailed, fmt.Errorf("round %d: scan failed: %w", round, err))
		}

		// Extracting
		added, lastKey, err := e.extract(ctx, handles, results)
		if err != nil {
			return finish(StopFailed, fmt.Errorf("round %d: %w", round, err))
		}

		logger.Debug("scan round",
			"round", round,
			"visible", len(handles),
			"new", added,
			"total", results.Len())

		// Deciding
		if added > 0 {
			stale = 0
			e.status.Emit(fmt.Sprintf("Found %s listings so far", humanize.Comma(int64(results.Len()))))
		} else {
			stale++
			if e.cfg.stale() && stale >= e.cfg.StaleRoundThreshold {
				e.status.Emit("No new listings are loading, reached the end of the list")
				return finish(StopStale, nil)
			}
			if e.cfg.marker() {
				visible, err := e.driver.Exists(ctx, e.cfg.EndMarkerSelector)
				if err != nil {
					return finish(StopFailed, fmt.Errorf("round %d: end marker check failed: %w", round, err))
				}
				if visible {
					e.status.Emit("Reached the end of the list")
					return finish(StopEndMarker, nil)
				}
			}
		}

		if e.cfg.MaxRounds > 0 && round >= e.cfg.MaxRounds {
			e.status.Emit(fmt.Sprintf("Stopped after %d scroll rounds", round))
			return finish(StopMaxRounds, nil)
		}

		before := fingerprintOf(handles, lastKey)
		if err := e.scroll(ctx, handles); err != nil {
			return finish(StopFailed, fmt.Errorf("round %d: scroll failed: %w", round, err))
		}
		if err := e.waitForRender(ctx, before); err != nil {
			return finish(StopFailed, fmt.Errorf("round %d: waiting for render: %w", round, err))
		}
	}
}

// extract records every handle whose identity is new and returns the key of
// the last handle, or "" if it could not be read. Handles that went stale or
// are not painted yet are skipped; they come back on the next scan.
func (e *Engine) extract(ctx context.Context, handles []browser.Handle, results *ResultSet) (int, string, error) {
	added, skipped := 0, 0
	lastKey := ""
	for i, h := range handles {
		rec, err := e.extractor.Extract(ctx, e.driver, h)
		switch {
		case err == nil:
		case errors.Is(err, browser.ErrStaleHandle), errors.Is(err, listing.ErrNotRendered):
			skipped++
			continue
		default:
			return added, "", err
		}
		if i == len(handles)-1 {
			lastKey = rec.Key
		}
		if results.Add(rec) {
			added++
		}
	}
	if skipped > 0 {
		logger.Debug("skipped listings this round", "count", skipped)
	}
	return added, lastKey, nil
}

func (e *Engine) scroll(ctx context.Context, handles []browser.Handle) error {
	var err error
	switch e.cfg.ScrollStep.Mode {
	case ScrollPixels:
		err = e.driver.ScrollBy(ctx, e.cfg.PanelSelector, e.cfg.ScrollStep.Pixels)
	case ScrollBottom:
		err = e.driver.ScrollToBottom(ctx, e.cfg.PanelSelector)
	case ScrollLast:
		if len(handles) > 0 {
			err = e.driver.ScrollIntoView(ctx, handles[len(handles)-1])
			if !errors.Is(err, browser.ErrStaleHandle) {
				break
			}
		}
		err = e.driver.ScrollBy(ctx, e.cfg.PanelSelector, 0)
	default:
		err = e.driver.ScrollBy(ctx, e.cfg.PanelSelector, 0)
	}

	// The panel may not be attached yet; the next rounds count as stale.
	if errors.Is(err, browser.ErrNotFound) {
		logger.Debug("results panel not found, skipping scroll", "selector", e.cfg.PanelSelector)
		return nil
	}
	return err
}

// waitForRender polls until the listing fingerprint changes or RenderWait
// elapses. Running out of time is not an error: the next round simply finds
// nothing new.
func (e *Engine) waitForRender(ctx context.Context, before fingerprint) error {
	deadline := e.clock.Now().Add(e.cfg.RenderWait)
	for {
		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
		handles, err := e.driver.Find(ctx, e.cfg.ListingSelector)
		if err != nil {
			return err
		}
		if e.changed(ctx, handles, before) {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return nil
		}
	}
}

// changed reports whether a scan differs from before. The last listing is
// only re-read when the count and the last node are unchanged.
func (e *Engine) changed(ctx context.Context, handles []browser.Handle, before fingerprint) bool {
	now := fingerprintOf(handles, before.key)
	if now != before {
		return true
	}
	if len(handles) == 0 || before.key == "" {
		return false
	}
	// Read errors mean the node is mid-update; the next poll or scan decides.
	rec, err := e.extractor.Extract(ctx, e.driver, handles[len(handles)-1])
	return err == nil && rec.Key != before.key
}
