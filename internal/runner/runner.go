// Package runner ties a scrape session to its outputs: the exported file
// and, when a database is configured, the listings table.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/mapscrape/internal/listing"
	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/session"
)

// Saver persists records. *store.Store satisfies it.
type Saver interface {
	SaveRecords(ctx context.Context, sessionID, query string, records []listing.Record) (int, error)
}

// Outcome is the result of Execute.
type Outcome struct {
	session.Result

	// ArtifactPath is the exported file, empty if the export failed or the
	// session never started.
	ArtifactPath string

	// Saved is the number of new rows written to the store.
	Saved int

	// StoreErr is set when persisting to the store failed. It does not
	// affect the session outcome or the exported file.
	StoreErr error
}

// Runner executes sessions and exports their results.
type Runner struct {
	Controller *session.Controller
	OutputDir  string
	Store      Saver // optional
}

// Execute runs one session and exports whatever it collected, including a
// partial result from a failed scrape. The returned error covers the export
// only; scrape failures are reported in Outcome.Err and store failures in
// Outcome.StoreErr.
func (r *Runner) Execute(ctx context.Context, req session.Request) (Outcome, error) {
	res := r.Controller.Run(ctx, req)
	out := Outcome{Result: res}

	// Nothing was scraped if the request was rejected or the browser never
	// started.
	if !started(res) {
		return out, nil
	}

	path, err := output.Export(r.OutputDir, res.Query, res.Format, res.Records)
	if err != nil {
		return out, fmt.Errorf("export failed: %w", err)
	}
	out.ArtifactPath = path

	if r.Store != nil && len(res.Records) > 0 {
		log := logger.ForSession(res.SessionID)
		n, err := r.Store.SaveRecords(context.WithoutCancel(ctx), res.SessionID, res.Query, res.Records)
		out.Saved = n
		if err != nil {
			out.StoreErr = fmt.Errorf("saving listings failed: %w", err)
			log.Warn("failed to store listings", "error", err)
		} else {
			log.Info("listings stored", "new", n)
		}
	}

	return out, nil
}

func started(res session.Result) bool {
	var initErr *session.DriverInitError
	if errors.As(res.Err, &initErr) || errors.Is(res.Err, session.ErrInvalidRequest) {
		return false
	}
	return true
}
