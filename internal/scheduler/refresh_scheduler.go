package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RefreshScheduler triggers a refresh-all on a fixed interval.
type RefreshScheduler struct {
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRefreshScheduler creates a new periodic refresh scheduler
func NewRefreshScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		engine:   engine,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called or ctx is done.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.logger.Info("Starting refresh scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			s.logger.Info("Refresh scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Refresh scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler. It is safe to call more than once.
func (s *RefreshScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *RefreshScheduler) tick(ctx context.Context) {
	result, err := s.engine.refreshAll(ctx, TriggerPeriodic)
	if errors.Is(err, ErrBusy) {
		s.logger.Info("Skipping periodic refresh, another refresh is running")
		return
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Info("Periodic refresh cancelled", "error", err)
		return
	}
	if err != nil {
		s.logger.Error("Periodic refresh failed", "error", err)
		return
	}

	s.logger.Info("Periodic refresh completed",
		"updated", result.Updated,
		"provenance", string(result.Provenance),
	)
}
