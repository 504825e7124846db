package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/budgetgate/internal/config"
	"github.com/ogulcanaydogan/budgetgate/internal/server"
	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission and spend API",
	Long: `Serve the HTTP API used by the router: deployment selection, spend
recording, and budget status. Budgets are reloaded when the config file
changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
	serveCmd.Flags().Bool("no-watch", false, "Do not reload budgets when the config file changes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen != "" {
		cfg.Server.Listen = listen
	}
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := initGate(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Close()
	logger := g.logger

	if target, ok := g.ledger.(ledger.Sweepable); ok {
		sweeper := ledger.NewSweeper(target, cfg.Ledger.SweepSchedule, logger)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if cfg.File != "" && !noWatch {
		watcher, err := config.NewWatcher(cfg.File, config.DefaultDebounce, g.reloadBudgets, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	var opts []server.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsHandler(cfg.Metrics.Path,
			promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{})))
	}
	apiServer := server.NewServer(g.filter, g.recorder, logger, opts...)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			"listen", cfg.Server.Listen,
			"backend", cfg.Ledger.Backend,
			"budgets", g.budgets.Registry().Len(),
		)
		fmt.Fprintf(os.Stderr, "budgetgate listening on %s\n", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// reloadBudgets swaps in the budgets of a reloaded config. Other sections
// take effect on restart.
func (g *gate) reloadBudgets(cfg *config.Config) error {
	registry, err := initRegistry(cfg)
	if err != nil {
		return err
	}
	g.budgets.Swap(registry)
	g.logger.Info("budgets reloaded", "budgets", registry.Len())
	return nil
}
