// Package browsertest provides a scripted browser.Driver for tests that
// exercise scrolling and extraction without launching Chrome.
package browsertest

import (
	"context"
	"fmt"
	"html"
	"sync"

	"github.com/jmylchreest/mapscrape/internal/browser"
)

// Panel simulates a virtualized results panel. Pages returns the listing
// names rendered at each scroll position; every scroll advances the
// position by one, up to MaxPos (negative for unlimited).
//
// Cards are rendered as minimal Google Maps markup so the real card
// extractor can parse them. An empty name renders a card whose content has
// not been painted yet.
type Panel struct {
	Pages  func(pos int) []string
	MaxPos int

	// RecycleHandles reuses the same handles at every position, like a
	// virtualized list that rebinds its nodes to new content.
	RecycleHandles bool

	// MarkerFrom is the first position at which the end marker is visible.
	// Negative means never.
	MarkerFrom int

	// Stale makes HTML fail with ErrStaleHandle for the named listing the
	// given number of times.
	Stale map[string]int

	// HTMLErr, if set, is consulted before rendering each card.
	HTMLErr func(name string) error

	NavigateErr error
	FindErr     error
	ScrollErr   error
	CloseErr    error
	QuitErr     error

	mu          sync.Mutex
	pos         int
	handles     map[browser.Handle]string
	navigations []string
	scrolls     []string
	finds       int
	closes      int
	quits       int
}

// NewPanel creates a panel whose content stops changing after len(pages)
// positions.
func NewPanel(pages ...[]string) *Panel {
	return &Panel{
		Pages: func(pos int) []string {
			if pos < len(pages) {
				return pages[pos]
			}
			return nil
		},
		MaxPos:     len(pages) - 1,
		MarkerFrom: -1,
	}
}

var _ browser.Driver = (*Panel)(nil)

// CardHTML renders one listing card.
func CardHTML(name string) string {
	return fmt.Sprintf(`<div class="Nv2PK"><div class="qBF1Pd">%s</div></div>`, html.EscapeString(name))
}

// Navigate records url and returns NavigateErr.
func (p *Panel) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	return p.NavigateErr
}

// Find returns one handle per listing rendered at the current position.
// Handles are renumbered per position unless RecycleHandles is set.
func (p *Panel) Find(ctx context.Context, _ string) ([]browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finds++
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	if p.handles == nil {
		p.handles = make(map[browser.Handle]string)
	}

	names := p.Pages(p.pos)
	base := p.pos * 1000
	if p.RecycleHandles {
		base = 0
	}
	hs := make([]browser.Handle, len(names))
	for i, name := range names {
		h := browser.Handle(base + i + 1)
		p.handles[h] = name
		hs[i] = h
	}
	return hs, nil
}

func (p *Panel) name(h browser.Handle) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, ok := p.handles[h]
	if !ok {
		return "", browser.ErrStaleHandle
	}
	if p.Stale[name] > 0 {
		p.Stale[name]--
		return "", fmt.Errorf("reading %q: %w", name, browser.ErrStaleHandle)
	}
	if p.HTMLErr != nil {
		if err := p.HTMLErr(name); err != nil {
			return "", err
		}
	}
	return name, nil
}

// Text returns the listing name behind h.
func (p *Panel) Text(_ context.Context, h browser.Handle) (string, error) {
	return p.name(h)
}

// Attr always returns an empty value; it fails only when h is unreadable.
func (p *Panel) Attr(_ context.Context, h browser.Handle, _ string) (string, error) {
	_, err := p.name(h)
	return "", err
}

// HTML returns the card markup for h. It fails with ErrStaleHandle when h
// was never returned by Find or a Stale read is pending.
func (p *Panel) HTML(_ context.Context, h browser.Handle) (string, error) {
	name, err := p.name(h)
	if err != nil {
		return "", err
	}
	return CardHTML(name), nil
}

// Exists reports the end-of-list marker, shown from MarkerFrom onward.
func (p *Panel) Exists(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MarkerFrom >= 0 && p.pos >= p.MarkerFrom, nil
}

// ScrollBy advances the panel one position.
func (p *Panel) ScrollBy(_ context.Context, _ string, px int) error {
	return p.scroll(fmt.Sprintf("by:%d", px))
}

// ScrollToBottom advances the panel one position.
func (p *Panel) ScrollToBottom(_ context.Context, _ string) error {
	return p.scroll("bottom")
}

// ScrollIntoView advances the panel one position.
func (p *Panel) ScrollIntoView(_ context.Context, h browser.Handle) error {
	return p.scroll(fmt.Sprintf("into:%d", h))
}

func (p *Panel) scroll(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.scrolls = append(p.scrolls, call)
	if p.ScrollErr != nil {
		return p.ScrollErr
	}
	if p.MaxPos < 0 || p.pos < p.MaxPos {
		p.pos++
	}
	return nil
}

// Close counts the call and returns CloseErr.
func (p *Panel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return p.CloseErr
}

// Quit counts the call and returns QuitErr.
func (p *Panel) Quit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quits++
	return p.QuitErr
}

// Navigations returns every URL passed to Navigate.
func (p *Panel) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Scrolls returns the scroll calls made, e.g. "by:0", "bottom", "into:3".
func (p *Panel) Scrolls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scrolls...)
}

// Finds returns how many times Find was called.
func (p *Panel) Finds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finds
}

// Closes returns how many times Close was called.
func (p *Panel) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Quits returns how many times Quit was called.
func (p *Panel) Quits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quits
}
