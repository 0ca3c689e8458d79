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

	"github.com/spf13/cobra"
	"github.com/tokenmeter/tokenmeter/internal/server"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background refresher and the local HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)

	// The scheduler exists only after the tracker, so the hook reads it late.
	var sched *tracker.Scheduler
	a, err := initApp(cfg, logger, func(c model.AppConfig) {
		if sched == nil {
			return
		}
		if err := sched.Reschedule(c); err != nil {
			logger.Error("reschedule refresh", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	appCfg, err := a.tracker.GetAppConfig(ctx)
	if err != nil {
		return fmt.Errorf("load app config: %w", err)
	}

	sched = tracker.NewScheduler(a.tracker, a.prices, logger.With("component", "scheduler"))
	if err := sched.Start(ctx, appCfg, cfg.Pricing.RefreshSchedule); err != nil {
		return err
	}
	defer sched.Stop()

	// Initial refresh so the first read is not a cold start.
	initialDone := make(chan struct{})
	go func() {
		defer close(initialDone)
		if _, err := a.tracker.RefreshUsage(ctx); err != nil && ctx.Err() == nil {
			logger.Error("initial refresh failed", "error", err)
		}
	}()
	defer func() {
		stop()
		<-initialDone
	}()

	apiServer := server.NewServer(a.tracker, server.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst), logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Refresh and test requests run fetch commands and ccusage.
		WriteTimeout: cfg.CCUsage.Timeout + cfg.Exec.Timeout + cfg.Sandbox.Timeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "listen", cfg.Server.Listen)
		fmt.Fprintf(os.Stderr, "TokenMeter listening on %s\n", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
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
