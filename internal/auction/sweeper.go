package auction

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically closes expired auctions. Exactly one sweeper should
// run per cluster; the caller gates Run behind leader election.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper returns a Sweeper that sweeps at the given interval.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled. An immediate sweep happens on
// start so auctions that expired while no sweeper was running close promptly.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.engine.SweepExpired(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
	}
}
