package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/citytailor/internal/metrics"
)

// Drainer takes ownership of everything currently queued and processes it.
// Implemented by learning.Engine.
type Drainer interface {
	DrainBatch(ctx context.Context) int
}

// BatchScheduler hands the pending queue to the processor on a fixed period.
// At most one drain runs at a time; a tick that finds one in flight is skipped.
type BatchScheduler struct {
	drainer  Drainer
	interval time.Duration
	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewBatchScheduler creates a scheduler with the given drainer and interval.
func NewBatchScheduler(drainer Drainer, interval time.Duration) *BatchScheduler {
	return &BatchScheduler{
		drainer:  drainer,
		interval: interval,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled, then waits for any
// in-flight drain to finish before returning.
func (s *BatchScheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "batch-scheduler",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "batch-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a drain unless one is already running. It reports whether a drain was
// started. The drain is detached from ctx cancellation so a stop request lets it finish.
func (s *BatchScheduler) Tick(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.SchedulerOverlaps.Inc()
		slog.Debug("batch tick skipped",
			"component", "worker",
			"worker", "batch-scheduler",
			"action", "tick_skipped",
			"reason", ErrSchedulerOverlap.Error(),
		)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.drainer.DrainBatch(context.WithoutCancel(ctx))
	}()
	return true
}

// Wait blocks until the in-flight drain, if any, has completed.
func (s *BatchScheduler) Wait() {
	s.wg.Wait()
}

// InFlight reports whether a drain is currently running.
func (s *BatchScheduler) InFlight() bool {
	return s.inFlight.Load()
}
