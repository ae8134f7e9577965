package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/mapscrape/internal/browser"
	"github.com/jmylchreest/mapscrape/internal/browser/browsertest"
	"github.com/jmylchreest/mapscrape/internal/engine"
	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/status"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Engine.RenderWait = time.Second
	cfg.Engine.PollInterval = 250 * time.Millisecond
	cfg.Engine.StaleRoundThreshold = 2
	return cfg
}

func factoryFor(d browser.Driver, seen *browser.Options) browser.Factory {
	return func(_ context.Context, opts browser.Options) (browser.Driver, error) {
		if seen != nil {
			*seen = opts
		}
		return d, nil
	}
}

func mustRequest(t *testing.T, query string) Request {
	t.Helper()
	req, err := NewRequest(query, "csv", true)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

func pages(n, per int) [][]string {
	out := make([][]string, n)
	for p := range out {
		for i := 0; i < per; i++ {
			out[p] = append(out[p], fmt.Sprintf("Cafe %d-%d", p, i))
		}
	}
	return out
}

// --- Run Tests ---

func TestRun_Normal(t *testing.T) {
	panel := browsertest.NewPanel(pages(4, 5)...)
	var opts browser.Options
	clock := &fakeClock{}
	shared := status.NewRecorder()

	ctl := New(testConfig(), factoryFor(panel, &opts), shared, WithClock(clock))
	res := ctl.Run(context.Background(), mustRequest(t, "  Coffee Shops near   Downtown "))

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if len(res.Records) != 20 {
		t.Errorf("expected 20 records, got %d", len(res.Records))
	}
	if res.Reason != engine.StopStale || res.Rounds != 6 {
		t.Errorf("Reason = %s, Rounds = %d", res.Reason, res.Rounds)
	}
	if res.SessionID == "" || res.Query != "coffee shops near downtown" || res.Format != output.FormatCSV {
		t.Errorf("unexpected result header: %+v", res)
	}

	if navs := panel.Navigations(); len(navs) != 1 || navs[0] != "https://www.google.com/maps/search/coffee+shops+near+downtown/" {
		t.Errorf("navigations = %v", navs)
	}
	if !opts.Headless || opts.ProfileDir != "" || !opts.NoSandbox {
		t.Errorf("driver options = %+v", opts)
	}
	if panel.Closes() != 1 || panel.Quits() != 1 {
		t.Errorf("teardown close=%d quit=%d, want 1/1", panel.Closes(), panel.Quits())
	}
	if len(clock.slept) == 0 || clock.slept[0] != time.Second {
		t.Errorf("expected settle delay first, slept %v", clock.slept)
	}

	msgs := res.Messages
	want := []string{"Preparing browser driver...", "Opening browser...", "Working start..."}
	for i, m := range want {
		if msgs[i] != m {
			t.Errorf("message %d = %q, want %q", i, msgs[i], m)
		}
	}
	tail := msgs[len(msgs)-3:]
	if tail[0] != "Collected 20 listings" || tail[1] != "Closing the driver" || tail[2] != "Now you can start another session" {
		t.Errorf("unexpected closing messages: %v", tail)
	}
	if strings.Join(shared.Messages(), "\n") != strings.Join(msgs, "\n") {
		t.Error("injected channel should receive the same messages in order")
	}
	if !shared.Ended() {
		t.Error("expected end marker on injected channel")
	}
}

func TestRun_ScenarioC_DriverInitFails(t *testing.T) {
	shared := status.NewRecorder()
	factory := func(context.Context, browser.Options) (browser.Driver, error) {
		return nil, errors.New("chrome not found")
	}

	ctl := New(testConfig(), factory, shared, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	var initErr *DriverInitError
	if !errors.As(res.Err, &initErr) {
		t.Fatalf("Err = %v, want DriverInitError", res.Err)
	}
	if len(res.Records) != 0 {
		t.Errorf("expected no records, got %d", len(res.Records))
	}
	found := false
	for _, m := range res.Messages {
		if strings.Contains(m, "Error initializing driver: chrome not found") {
			found = true
		}
		if m == "Closing the driver" {
			t.Error("teardown must not be attempted without a driver")
		}
	}
	if !found {
		t.Errorf("expected init failure message, got %v", res.Messages)
	}
	if !shared.Ended() {
		t.Error("expected end marker")
	}
}

func TestRun_FactoryPanicIsContained(t *testing.T) {
	factory := func(context.Context, browser.Options) (browser.Driver, error) {
		panic("boom")
	}

	ctl := New(testConfig(), factory, nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	var initErr *DriverInitError
	if !errors.As(res.Err, &initErr) {
		t.Fatalf("Err = %v, want DriverInitError", res.Err)
	}
}

func TestRun_TeardownAlways(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*browsertest.Panel)
		wantErr bool
	}{
		{"navigation fails", func(p *browsertest.Panel) { p.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED") }, true},
		{"extraction fails", func(p *browsertest.Panel) {
			p.HTMLErr = func(string) error { return browser.ErrWindowClosed }
		}, true},
		{"completes", func(*browsertest.Panel) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			panel := browsertest.NewPanel(pages(2, 3)...)
			tt.setup(panel)

			ctl := New(testConfig(), factoryFor(panel, nil), nil, WithClock(&fakeClock{}))
			res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

			if (res.Err != nil) != tt.wantErr {
				t.Errorf("Err = %v, wantErr %v", res.Err, tt.wantErr)
			}
			if panel.Closes() != 1 || panel.Quits() != 1 {
				t.Errorf("teardown close=%d quit=%d, want exactly once", panel.Closes(), panel.Quits())
			}
			last := res.Messages[len(res.Messages)-1]
			if last != "Now you can start another session" {
				t.Errorf("last message = %q", last)
			}
		})
	}
}

func TestRun_NavigationRetries(t *testing.T) {
	panel := browsertest.NewPanel(pages(1, 2)...)
	panel.NavigateErr = errors.New("timeout")
	clock := &fakeClock{}
	cfg := testConfig()
	cfg.NavigationAttempts = 3
	cfg.NavigationBackoff = time.Second

	ctl := New(cfg, factoryFor(panel, nil), nil, WithClock(clock))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	var navErr *NavigationError
	if !errors.As(res.Err, &navErr) {
		t.Fatalf("Err = %v, want NavigationError", res.Err)
	}
	if navErr.Attempts != 3 || len(panel.Navigations()) != 3 {
		t.Errorf("attempts = %d, navigations = %d", navErr.Attempts, len(panel.Navigations()))
	}
	if fmt.Sprint(clock.slept) != "[1s 2s]" {
		t.Errorf("backoff = %v, want [1s 2s]", clock.slept)
	}
	if res.Reason != engine.StopFailed {
		t.Errorf("Reason = %s", res.Reason)
	}
}

type flakyNav struct {
	*browsertest.Panel
	fails int
}

func (f *flakyNav) Navigate(ctx context.Context, url string) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("net::ERR_CONNECTION_RESET")
	}
	return f.Panel.Navigate(ctx, url)
}

func TestRun_NavigationRecovers(t *testing.T) {
	panel := browsertest.NewPanel(pages(1, 2)...)
	d := &flakyNav{Panel: panel, fails: 1}

	ctl := New(testConfig(), factoryFor(d, nil), nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	if res.Err != nil || len(res.Records) != 2 {
		t.Errorf("Err = %v, records = %d", res.Err, len(res.Records))
	}
}

func TestRun_WindowClosedNotRetried(t *testing.T) {
	panel := browsertest.NewPanel(pages(1, 2)...)
	panel.NavigateErr = browser.ErrWindowClosed

	ctl := New(testConfig(), factoryFor(panel, nil), nil, WithClock(&fakeClock{}))
	ctl.Run(context.Background(), mustRequest(t, "coffee"))

	if n := len(panel.Navigations()); n != 1 {
		t.Errorf("navigations = %d, want 1", n)
	}
}

func TestRun_PartialRecordsOnFailure(t *testing.T) {
	panel := browsertest.NewPanel(pages(3, 3)...)
	panel.HTMLErr = func(name string) error {
		if name == "Cafe 1-1" {
			return errors.New("no such window: target window already closed")
		}
		return nil
	}

	ctl := New(testConfig(), factoryFor(panel, nil), nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	if res.Err == nil || res.Reason != engine.StopFailed {
		t.Fatalf("Err = %v, Reason = %s", res.Err, res.Reason)
	}
	if len(res.Records) != 4 {
		t.Errorf("expected 4 partial records, got %d", len(res.Records))
	}
	hasError := false
	for _, m := range res.Messages {
		if strings.HasPrefix(m, "Error occurred while scraping. Error:") {
			hasError = true
		}
	}
	if !hasError {
		t.Errorf("expected scrape error message, got %v", res.Messages)
	}
}

func TestRun_TeardownErrorsDoNotMaskOutcome(t *testing.T) {
	panel := browsertest.NewPanel(pages(1, 2)...)
	panel.CloseErr = errors.New("close failed")
	panel.QuitErr = errors.New("quit failed")

	ctl := New(testConfig(), factoryFor(panel, nil), nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	if res.Err != nil {
		t.Errorf("teardown failure leaked into Err: %v", res.Err)
	}
	joined := strings.Join(res.Messages, "\n")
	if !strings.Contains(joined, "driver close failed: close failed") || !strings.Contains(joined, "driver quit failed: quit failed") {
		t.Errorf("expected teardown messages, got %v", res.Messages)
	}
	if panel.Quits() != 1 {
		t.Error("quit must run even when close fails")
	}
}

type panicDriver struct {
	*browsertest.Panel
}

func (panicDriver) Find(context.Context, string) ([]browser.Handle, error) {
	panic("driver exploded")
}

func TestRun_PanicDuringScrapeStillTearsDown(t *testing.T) {
	panel := browsertest.NewPanel(pages(1, 2)...)

	ctl := New(testConfig(), factoryFor(panicDriver{panel}, nil), nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	if res.Err == nil || !strings.Contains(res.Err.Error(), "driver exploded") {
		t.Errorf("Err = %v", res.Err)
	}
	if panel.Closes() != 1 || panel.Quits() != 1 {
		t.Error("teardown must run after a panic")
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	called := false
	factory := func(context.Context, browser.Options) (browser.Driver, error) {
		called = true
		return nil, nil
	}

	ctl := New(testConfig(), factory, nil)
	res := ctl.Run(context.Background(), Request{Query: "", Format: output.FormatCSV})

	if !errors.Is(res.Err, ErrInvalidRequest) {
		t.Errorf("Err = %v, want ErrInvalidRequest", res.Err)
	}
	if called {
		t.Error("driver should not be opened for an invalid request")
	}
}

type shotDriver struct {
	*browsertest.Panel
}

func (shotDriver) CaptureScreenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func TestRun_ScreenshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	panel := browsertest.NewPanel(pages(1, 2)...)
	panel.NavigateErr = errors.New("timeout")
	cfg := testConfig()
	cfg.NavigationAttempts = 1
	cfg.ScreenshotDir = dir

	ctl := New(cfg, factoryFor(shotDriver{panel}, nil), nil, WithClock(&fakeClock{}))
	res := ctl.Run(context.Background(), mustRequest(t, "coffee"))

	data, err := os.ReadFile(filepath.Join(dir, "mapscrape-debug-"+res.SessionID+".png"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "png" {
		t.Errorf("screenshot = %q", data)
	}
}

func TestRun_ConcurrentSessionsAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]Result, 4)
	reqs := make([]Request, len(results))
	for i := range reqs {
		reqs[i] = mustRequest(t, fmt.Sprintf("query %d", i))
	}
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			panel := browsertest.NewPanel(pages(2, i+1)...)
			ctl := New(testConfig(), factoryFor(panel, nil), nil, WithClock(&fakeClock{}))
			results[i] = ctl.Run(context.Background(), reqs[i])
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i, res := range results {
		if len(res.Records) != 2*(i+1) {
			t.Errorf("session %d: records = %d", i, len(res.Records))
		}
		if ids[res.SessionID] {
			t.Errorf("duplicate session id %s", res.SessionID)
		}
		ids[res.SessionID] = true
	}
}

// --- Request Tests ---

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Coffee   Shops ", "coffee shops"},
		{"PIZZA\tin\nRome", "pizza in rome"},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		template, query, want string
	}{
		{"", "coffee shops near downtown", "https://www.google.com/maps/search/coffee+shops+near+downtown/"},
		{"", "café & bar", "https://www.google.com/maps/search/caf%C3%A9+%26+bar/"},
		{"https://maps.example/?q={query}", "a b", "https://maps.example/?q=a+b"},
	}
	for _, tt := range tests {
		if got := BuildURL(tt.template, tt.query); got != tt.want {
			t.Errorf("BuildURL(%q, %q) = %q, want %q", tt.template, tt.query, got, tt.want)
		}
	}
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		format  string
		want    output.Format
		wantErr bool
	}{
		{"excel", "Coffee", "excel", output.FormatExcel, false},
		{"alias", "coffee", "XLSX", output.FormatExcel, false},
		{"json", "coffee", "json", output.FormatJSON, false},
		{"delimited text", "coffee", "delimited-text", output.FormatCSV, false},
		{"structured text", "coffee", "structured-text", output.FormatJSON, false},
		{"empty query", "   ", "csv", "", true},
		{"bad format", "coffee", "pdf", "", true},
		{"long query", strings.Repeat("a", 300), "csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.query, tt.format, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("error should wrap ErrInvalidRequest: %v", err)
				}
				return
			}
			if req.Format != tt.want {
				t.Errorf("Format = %s, want %s", req.Format, tt.want)
			}
			if req.Query != NormalizeQuery(tt.query) {
				t.Errorf("Query = %q", req.Query)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("base")
	for _, err := range []error{
		&DriverInitError{Err: base},
		&NavigationError{URL: "u", Attempts: 1, Err: base},
		&TeardownError{Op: "quit", Err: base},
	} {
		if !errors.Is(err, base) {
			t.Errorf("%T should unwrap to base", err)
		}
	}
}
