package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"papertrade-v1/config"
	"papertrade-v1/internal/api"
	"papertrade-v1/internal/logger"
	"papertrade-v1/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the paper-trading HTTP and websocket service",
	Long: `Serve restores open positions from the store, subscribes their tokens on
the market feed and exposes:

  POST /api/paper-trade/order        execute a paper trade
  POST /api/paper-trade/square-off   close a paper trade
  GET  /api/trades[?status=]         list trades, newest first
  GET  /api/trades/{id}              one trade
  GET  /api/portfolio/summary        realized and unrealized PnL
  GET  /api/v1/health                service health
  WS   /ws[?channels=a,b]            event push

Metrics and /healthz are served on METRICS_ADDR.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init("papertrade", logger.ParseLevel(cfg.LogLevel))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[papertrade] starting...")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		a.close()
	}()

	n, err := a.coord.Restore(ctx)
	if err != nil {
		log.Printf("[papertrade] WARNING: restore: %v", err)
	}
	a.updateOpen()
	log.Printf("[papertrade] restored %d open positions", n)

	var rdb *goredis.Client
	if a.redis != nil {
		rdb = a.redis.Client()
	}
	a.health.StartLivenessChecker(ctx, rdb, a.store.DB(), 15*time.Second)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, a.health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(a.coord, a.health, a.hub, a.hub.HandleMissed),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[papertrade] http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Println("[papertrade] ╔══════════════════════════════════════════════════════╗")
	log.Println("[papertrade] ║  Paper Trading Service                               ║")
	log.Printf("[papertrade] ║  Feed: %-46s║", cfg.FeedMode)
	log.Printf("[papertrade] ║  HTTP: %-46s║", cfg.HTTPAddr)
	log.Printf("[papertrade] ║  Metrics: %-43s║", cfg.MetricsAddr)
	log.Println("[papertrade] ╚══════════════════════════════════════════════════════╝")

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("[papertrade] shutting down...")
	case runErr = <-errCh:
		log.Printf("[papertrade] http server error: %v", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("[papertrade] http shutdown: %v", serr)
	}
	metricsSrv.Stop(shutdownCtx)
	log.Println("[papertrade] stopped")
	return runErr
}
