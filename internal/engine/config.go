package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every Config validation failure.
var ErrInvalidConfig = errors.New("invalid engine config")

// EndDetection selects which signals finish a scroll session.
type EndDetection string

const (
	// EndStale stops after StaleRoundThreshold rounds without new listings.
	EndStale EndDetection = "stale"
	// EndMarker stops when the end-of-list marker becomes visible.
	EndMarker EndDetection = "marker"
	// EndEither stops on whichever signal comes first.
	EndEither EndDetection = "either"
)

// ScrollMode selects how the panel is advanced between rounds.
type ScrollMode string

const (
	ScrollViewport ScrollMode = "viewport" // one panel height
	ScrollPixels   ScrollMode = "pixels"   // a fixed number of pixels
	ScrollBottom   ScrollMode = "bottom"   // jump to the current scroll height
	ScrollLast     ScrollMode = "last"     // bring the last listing into view
)

// ScrollStep is the per-round scroll action.
type ScrollStep struct {
	Mode   ScrollMode `mapstructure:"mode" yaml:"mode"`
	Pixels int        `mapstructure:"pixels" yaml:"pixels"`
}

// Config holds the engine's policy knobs.
type Config struct {
	PanelSelector     string       `mapstructure:"panel_selector" yaml:"panel_selector"`
	ListingSelector   string       `mapstructure:"listing_selector" yaml:"listing_selector"`
	EndMarkerSelector string       `mapstructure:"end_marker_selector" yaml:"end_marker_selector"`
	EndDetection      EndDetection `mapstructure:"end_detection" yaml:"end_detection"`
	ScrollStep        ScrollStep   `mapstructure:"scroll_step" yaml:"scroll_step"`

	// RenderWait caps how long a round waits for new content after scrolling.
	RenderWait   time.Duration `mapstructure:"render_wait" yaml:"render_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	StaleRoundThreshold int `mapstructure:"stale_round_threshold" yaml:"stale_round_threshold"`

	// MaxRounds is a hard cap on scan rounds. 0 means unlimited.
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`
}

// DefaultConfig returns settings tuned for the Google Maps results feed.
func DefaultConfig() Config {
	return Config{
		PanelSelector:       `div[role="feed"]`,
		ListingSelector:     `div.Nv2PK`,
		EndMarkerSelector:   `span.HlvSq`,
		EndDetection:        EndEither,
		ScrollStep:          ScrollStep{Mode: ScrollViewport},
		RenderWait:          3 * time.Second,
		PollInterval:        200 * time.Millisecond,
		StaleRoundThreshold: 3,
	}
}

// stale reports whether stale-round counting can finish the session.
func (c Config) stale() bool {
	return c.EndDetection == EndStale || c.EndDetection == EndEither
}

// marker reports whether the end marker can finish the session.
func (c Config) marker() bool {
	return c.EndMarkerSelector != "" && (c.EndDetection == EndMarker || c.EndDetection == EndEither)
}

// Validate checks that the configuration describes a loop that terminates.
func (c Config) Validate() error {
	if c.PanelSelector == "" {
		return fmt.Errorf("%w: panel selector is required", ErrInvalidConfig)
	}
	if c.ListingSelector == "" {
		return fmt.Errorf("%w: listing selector is required", ErrInvalidConfig)
	}

	switch c.EndDetection {
	case EndStale, EndEither:
		if c.StaleRoundThreshold < 1 {
			return fmt.Errorf("%w: stale round threshold must be at least 1", ErrInvalidConfig)
		}
	case EndMarker:
		if c.EndMarkerSelector == "" {
			return fmt.Errorf("%w: end detection %q needs an end marker selector", ErrInvalidConfig, c.EndDetection)
		}
		// A marker that never renders would otherwise scroll forever.
		if c.MaxRounds <= 0 {
			return fmt.Errorf("%w: end detection %q needs max rounds", ErrInvalidConfig, c.EndDetection)
		}
	default:
		return fmt.Errorf("%w: unknown end detection %q", ErrInvalidConfig, c.EndDetection)
	}

	switch c.ScrollStep.Mode {
	case ScrollViewport, ScrollBottom, ScrollLast:
	case ScrollPixels:
		if c.ScrollStep.Pixels <= 0 {
			return fmt.Errorf("%w: pixel scroll step must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown scroll mode %q", ErrInvalidConfig, c.ScrollStep.Mode)
	}

	if c.RenderWait <= 0 {
		return fmt.Errorf("%w: render wait must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 || c.PollInterval > c.RenderWait {
		return fmt.Errorf("%w: poll interval must be positive and no longer than render wait", ErrInvalidConfig)
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("%w: max rounds cannot be negative", ErrInvalidConfig)
	}
	return nil
}
