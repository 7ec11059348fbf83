package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agoramarket/auction-engine/internal/auction"
	"github.com/agoramarket/auction-engine/internal/clock"
	"github.com/agoramarket/auction-engine/internal/config"
	"github.com/agoramarket/auction-engine/internal/health"
	"github.com/agoramarket/auction-engine/internal/leader"
	"github.com/agoramarket/auction-engine/internal/ledger"
	"github.com/agoramarket/auction-engine/internal/notify"
	"github.com/agoramarket/auction-engine/internal/store"
	"github.com/agoramarket/auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/agoramarket/auction-engine/internal/store/memory"
	_ "github.com/agoramarket/auction-engine/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (sqlx or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Initialize services.
	ledgerSvc := ledger.New(repos.Accounts, repos.Ledger, logger, tp.TracerProvider)

	// Rebuild outstanding holds from the transaction log so they survive a
	// restart.
	if n, recoverErr := ledgerSvc.RecoverHolds(ctx); recoverErr != nil {
		return fmt.Errorf("recovering holds: %w", recoverErr)
	} else if n > 0 {
		logger.InfoContext(ctx, "recovered outstanding holds", slog.Int("count", n))
	}

	emitter := notify.NewEmitter(notify.LogPublisher{Logger: logger}, cfg.Engine.NotifyBuffer, logger)
	emitter.Start(ctx)
	defer emitter.Stop()

	engine := auction.New(repos, ledgerSvc, emitter, logger, tp.TracerProvider, clk, cfg.Engine.DefaultAuctionDuration)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	sweeper := auction.NewSweeper(engine, cfg.Engine.SweepInterval, logger)

	// runSweeper is the work that only the leader should run: exactly one
	// replica may close expired auctions.
	runSweeper := func(ctx context.Context) {
		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running (leader)", slog.String("version", version))

		sweeper.Run(ctx)

		healthHandler.SetReady(false)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runSweeper, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

		sweeper.Run(ctx)

		logger.Info("shutting down...")
		healthHandler.SetReady(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
