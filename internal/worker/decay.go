package worker

import (
	"context"
	"log/slog"
	"time"
)

// DecayStore defines the rule store operation needed by the decay worker.
type DecayStore interface {
	DecayStale(ctx context.Context, threshold time.Time, amount float64) (int64, error)
}

// RuleDecayWorker periodically lowers confidence on adaptation rules that have not
// been reinforced within one interval.
type RuleDecayWorker struct {
	store       DecayStore
	interval    time.Duration
	decayAmount float64
	now         func() time.Time
}

// NewRuleDecayWorker creates a worker with the given store, interval, and decay amount.
func NewRuleDecayWorker(store DecayStore, interval time.Duration, decayAmount float64) *RuleDecayWorker {
	return &RuleDecayWorker{
		store:       store,
		interval:    interval,
		decayAmount: decayAmount,
		now:         time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// The first cycle runs after one interval, not on start.
func (w *RuleDecayWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "rule-decay",
		"interval", w.interval.String(),
		"decay_amount", w.decayAmount,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "rule-decay",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single decay cycle and returns the number of rules affected.
func (w *RuleDecayWorker) RunOnce(ctx context.Context) int64 {
	start := w.now()

	// Rules not reinforced within one decay interval are stale
	threshold := start.Add(-w.interval)

	slog.Debug("decay cycle started",
		"component", "worker",
		"action", "decay_start",
		"threshold", threshold.Format(time.RFC3339),
	)

	affected, err := w.store.DecayStale(ctx, threshold, w.decayAmount)
	if err != nil {
		if ctx.Err() != nil {
			return affected
		}
		slog.Error("decay failed",
			"component", "worker",
			"action", "decay_failed",
			"error", err,
		)
		return affected
	}

	slog.Info("decay cycle completed",
		"component", "worker",
		"action", "decay_complete",
		"affected", affected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return affected
}
