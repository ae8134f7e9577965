package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mapscrape/internal/output"
	"github.com/jmylchreest/mapscrape/internal/session"
)

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the most recent export for a query",
	RunE:  runLatest,
}

func init() {
	rootCmd.AddCommand(latestCmd)
	latestCmd.Flags().StringP("query", "q", "", "search query (required)")
	_ = latestCmd.MarkFlagRequired("query")
}

func runLatest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	query, _ := cmd.Flags().GetString("query")
	path, err := output.Latest(cfg.Output.Dir, session.NormalizeQuery(query))
	if errors.Is(err, output.ErrNoArtifact) {
		logError("no export found for %q in %s", query, cfg.Output.Dir)
		return err
	}
	if err != nil {
		logError("%v", err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
