package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/session"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape one Google Maps search",
	Long: `Run one scrape session: open the search, scroll the results panel
until the end is detected, and export every listing collected.

Status messages are logged to stderr; the exported file's path is
printed to stdout. Partial results are exported even when the session
fails.`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	flags := scrapeCmd.Flags()
	flags.StringP("query", "q", "", "search query (required)")
	flags.StringP("format", "f", "", "output format: excel, csv, json, jsonl, yaml")
	flags.Bool("headless", true, "run Chrome without a window")

	flags.Int("max-rounds", 0, "stop after this many scroll rounds (0=unlimited)")
	flags.Int("stale-rounds", 0, "rounds without new listings before stopping")
	flags.Duration("render-wait", 0, "max wait for new listings after each scroll")
	flags.String("scroll-step", "", "scroll mode: viewport, pixels, bottom, last")
	flags.Int("scroll-pixels", 0, "pixels per scroll when --scroll-step=pixels")
	flags.String("end-detection", "", "end detection: stale, marker, either")

	_ = scrapeCmd.MarkFlagRequired("query")

	_ = viper.BindPFlag("output.format", flags.Lookup("format"))
	_ = viper.BindPFlag("session.browser.headless", flags.Lookup("headless"))
	_ = viper.BindPFlag("session.engine.max_rounds", flags.Lookup("max-rounds"))
	_ = viper.BindPFlag("session.engine.stale_round_threshold", flags.Lookup("stale-rounds"))
	_ = viper.BindPFlag("session.engine.render_wait", flags.Lookup("render-wait"))
	_ = viper.BindPFlag("session.engine.scroll_step.mode", flags.Lookup("scroll-step"))
	_ = viper.BindPFlag("session.engine.scroll_step.pixels", flags.Lookup("scroll-pixels"))
	_ = viper.BindPFlag("session.engine.end_detection", flags.Lookup("end-detection"))
}

func runScrape(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	query, _ := cmd.Flags().GetString("query")
	req, err := session.NewRequest(query, cfg.Output.Format, cfg.Session.Browser.Headless)
	if err != nil {
		logError("%v", err)
		return err
	}

	r, closeStore, err := newRunner(ctx, cfg)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer closeStore()

	logger.Debug("scrape command starting", "query", req.Query, "format", req.Format, "headless", req.Headless)

	out, err := r.Execute(ctx, req)
	if err != nil {
		logError("%v", err)
		return err
	}

	logger.Info("scrape finished",
		"listings", humanize.Comma(int64(len(out.Records))),
		"rounds", out.Rounds,
		"reason", out.Reason,
		"duration", out.Duration.Round(time.Millisecond))
	if out.StoreErr != nil {
		logger.Warn("listings were exported but not stored", "error", out.StoreErr)
	} else if r.Store != nil {
		logger.Info("listings stored", "new", out.Saved)
	}

	if out.ArtifactPath != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out.ArtifactPath)
	}
	if out.Err != nil {
		if errors.Is(out.Err, context.Canceled) {
			logError("interrupted")
		} else {
			logError("%v", out.Err)
		}
		return out.Err
	}
	return nil
}
