// Package commands implements the CLI commands for mapscrape.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/mapscrape/internal/browser"
	"github.com/jmylchreest/mapscrape/internal/config"
	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/runner"
	"github.com/jmylchreest/mapscrape/internal/session"
	"github.com/jmylchreest/mapscrape/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "mapscrape",
	Short: "Collect business listings from Google Maps search results",
	Long: `Mapscrape opens a Google Maps search in Chrome, scrolls the results
panel until no more listings load, and exports every listing it saw to
Excel, CSV, JSON, JSONL or YAML.

Examples:
  # Scrape a search and write a spreadsheet to ./output
  mapscrape scrape -q "coffee shops in lisbon" -f excel

  # Stop after 20 scroll rounds, scrolling to the bottom each time
  mapscrape scrape -q "dentists near leeds" --max-rounds 20 --scroll-step bottom

  # Run the web front end
  mapscrape serve --addr :8000

  # Show the most recent export for a query
  mapscrape latest -q "coffee shops in lisbon"`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default $HOME/.mapscrape.yaml or ./.mapscrape.yaml)")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("quiet", false, "only log errors")
	flags.Bool("json-logs", false, "log as JSON")
	flags.String("log-file", "", "also write logs to this file (rotated)")
	flags.String("output-dir", "", "directory for exported files")
	flags.String("dsn", "", "PostgreSQL DSN; when set, listings are also stored in the database")

	_ = viper.BindPFlag("log.debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("log.quiet", flags.Lookup("quiet"))
	_ = viper.BindPFlag("log.json", flags.Lookup("json-logs"))
	_ = viper.BindPFlag("log.file", flags.Lookup("log-file"))
	_ = viper.BindPFlag("output.dir", flags.Lookup("output-dir"))
	_ = viper.BindPFlag("store.dsn", flags.Lookup("dsn"))
}

// Execute runs the root command.
func Execute() error {
	defer func() { _ = logger.Close() }()
	return rootCmd.Execute()
}

// loadConfig reads the configuration and initializes the logger from it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), file)
	if err != nil {
		logError("%v", err)
		return config.Config{}, err
	}

	logger.Init(logger.Options{
		Debug: cfg.Log.Debug,
		Quiet: cfg.Log.Quiet,
		JSON:  cfg.Log.JSON,
		File:  cfg.Log.File,
	})
	logger.Debug("config loaded", "file", viper.ConfigFileUsed())
	return cfg, nil
}

// newRunner wires a Chrome-backed session controller, the exporter and, when
// a DSN is configured, the database. The returned func releases the store.
func newRunner(ctx context.Context, cfg config.Config) (*runner.Runner, func(), error) {
	r := &runner.Runner{
		Controller: session.New(cfg.Session, browser.NewChromeFactory(), nil),
		OutputDir:  cfg.Output.Dir,
	}
	if cfg.Store.DSN == "" {
		return r, func() {}, nil
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	r.Store = st
	return r, st.Close, nil
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
