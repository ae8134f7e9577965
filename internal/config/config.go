// Package config loads mapscrape settings from defaults, an optional YAML
// file, a .env file and MAPSCRAPE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/session"
	"github.com/jmylchreest/mapscrape/internal/store"
)

// EnvPrefix is prepended to every environment variable, e.g.
// MAPSCRAPE_SESSION_ENGINE_MAX_ROUNDS.
const EnvPrefix = "MAPSCRAPE"

// FileName is the config file searched for in $HOME and the working directory.
const FileName = ".mapscrape"

// Config is the full application configuration.
type Config struct {
	Session session.Config `mapstructure:"session"`
	Output  OutputConfig   `mapstructure:"output"`
	Server  ServerConfig   `mapstructure:"server"`
	Store   store.Config   `mapstructure:"store"`
	Log     LogConfig      `mapstructure:"log"`
}

// OutputConfig controls exported files.
type OutputConfig struct {
	Dir    string `mapstructure:"dir" validate:"required"`
	Format string `mapstructure:"format" validate:"required"`
}

// ServerConfig controls the web front end.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`

	// RateLimit is the sustained number of scrape submissions per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=1"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// LogConfig mirrors logger.Options.
type LogConfig struct {
	Debug bool   `mapstructure:"debug"`
	Quiet bool   `mapstructure:"quiet"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Session: session.DefaultConfig(),
		Output: OutputConfig{
			Dir:    "output",
			Format: string(output.FormatCSV),
		},
		Server: ServerConfig{
			Addr:            "0.0.0.0:8000",
			RateLimit:       0.5,
			Burst:           3,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: store.DefaultConfig(),
	}
}

// SetDefaults registers every key with v. Viper only resolves environment
// variables for keys it knows about.
func SetDefaults(v *viper.Viper) {
	d := Default()
	s := d.Session
	b := s.Browser
	e := s.Engine
	sel := s.Selectors

	defaults := map[string]any{
		"session.url_template":        s.URLTemplate,
		"session.settle_delay":        s.SettleDelay,
		"session.navigation_attempts": s.NavigationAttempts,
		"session.navigation_backoff":  s.NavigationBackoff,
		"session.screenshot_dir":      s.ScreenshotDir,

		"session.browser.headless":           b.Headless,
		"session.browser.no_sandbox":         b.NoSandbox,
		"session.browser.disable_dev_shm":    b.DisableDevShm,
		"session.browser.disable_images":     b.DisableImages,
		"session.browser.profile_dir":        b.ProfileDir,
		"session.browser.implicit_wait":      b.ImplicitWait,
		"session.browser.navigation_timeout": b.NavTimeout,
		"session.browser.user_agent":         b.UserAgent,
		"session.browser.window_width":       b.WindowWidth,
		"session.browser.window_height":      b.WindowHeight,
		"session.browser.exec_path":          b.ExecPath,

		"session.engine.panel_selector":        e.PanelSelector,
		"session.engine.listing_selector":      e.ListingSelector,
		"session.engine.end_marker_selector":   e.EndMarkerSelector,
		"session.engine.end_detection":         string(e.EndDetection),
		"session.engine.scroll_step.mode":      string(e.ScrollStep.Mode),
		"session.engine.scroll_step.pixels":    e.ScrollStep.Pixels,
		"session.engine.render_wait":           e.RenderWait,
		"session.engine.poll_interval":         e.PollInterval,
		"session.engine.stale_round_threshold": e.StaleRoundThreshold,
		"session.engine.max_rounds":            e.MaxRounds,

		"session.selectors.name":     sel.Name,
		"session.selectors.category": sel.Category,
		"session.selectors.address":  sel.Address,
		"session.selectors.rating":   sel.Rating,
		"session.selectors.reviews":  sel.Reviews,
		"session.selectors.phone":    sel.Phone,
		"session.selectors.link":     sel.Link,
		"session.selectors.id_attr":  sel.IDAttr,

		"output.dir":    d.Output.Dir,
		"output.format": d.Output.Format,

		"server.addr":             d.Server.Addr,
		"server.rate_limit":       d.Server.RateLimit,
		"server.burst":            d.Server.Burst,
		"server.read_timeout":     d.Server.ReadTimeout,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,

		"store.dsn":             d.Store.DSN,
		"store.max_conns":       d.Store.MaxConns,
		"store.batch_size":      d.Store.BatchSize,
		"store.simple_protocol": d.Store.SimpleProtocol,

		"log.debug": d.Log.Debug,
		"log.quiet": d.Log.Quiet,
		"log.json":  d.Log.JSON,
		"log.file":  d.Log.File,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration into v and decodes it. file, when set, is used
// instead of searching for .mapscrape.yaml. A missing .env file or a missing
// searched-for config file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	_ = godotenv.Load()

	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Session.Engine.Validate(); err != nil {
		return err
	}
	if _, err := output.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("invalid config: output.format: %w", err)
	}
	return nil
}
