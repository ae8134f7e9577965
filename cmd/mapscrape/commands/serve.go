package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/mapscrape/internal/logger"
	"github.com/jmylchreest/mapscrape/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web front end",
	Long: `Serve a search form that runs one scrape per submission and links
to the exported file. Only one scrape runs at a time.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("addr", "", "listen address (default 0.0.0.0:8000)")

	_ = viper.BindPFlag("server.addr", flags.Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, closeStore, err := newRunner(ctx, cfg)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer closeStore()

	srv, err := server.New(cfg.Server, cfg.Output.Dir, r)
	if err != nil {
		logError("%v", err)
		return err
	}

	logger.Info("starting web front end", "addr", cfg.Server.Addr, "output_dir", cfg.Output.Dir)
	return srv.Run(ctx)
}
