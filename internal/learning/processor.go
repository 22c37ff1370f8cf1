package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/citytailor/internal/metrics"
	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/types"
	"github.com/hyperengineering/citytailor/internal/validation"
)

// RuleStore is the subset of the adaptation rule store the processor writes to.
// Implemented by *rules.Store.
type RuleStore interface {
	Upsert(ctx context.Context, userID string, category types.RuleCategory, pattern types.Pattern, confidence, weight float64) (types.AdaptationRule, bool, error)
	Adjust(ctx context.Context, userID, op string, fn func(r *types.AdaptationRule) bool) (int, error)
	Penalize(ctx context.Context, userID string, match func(types.AdaptationRule) bool, amount float64) (int, error)
	RulesFor(ctx context.Context, userID string, category types.RuleCategory) ([]types.AdaptationRule, error)
	Rule(ctx context.Context, userID string, category types.RuleCategory, signature string) (types.AdaptationRule, error)
}

// Outcome is the result of learning from one event.
type Outcome struct {
	EventID   string                `json:"event_id"`
	EventType types.EventType       `json:"event_type"`
	Applied   bool                  `json:"applied"`
	Rule      *types.AdaptationRule `json:"rule,omitempty"`
	Created   bool                  `json:"created,omitempty"`
	Adjusted  int                   `json:"adjusted,omitempty"`
	Error     string                `json:"error,omitempty"`
	Err       error                 `json:"-"`
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Processed int
	Applied   int
	Malformed int
	Failed    int
}

// Processor turns learning events into adaptation rule updates. Events of one user
// are applied sequentially in arrival order; distinct users run in parallel.
type Processor struct {
	store RuleStore
	cfg   Config
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store RuleStore, cfg Config) *Processor {
	return &Processor{store: store, cfg: cfg.withDefaults()}
}

// ProcessBatch applies every event in batch. A failing event is logged and counted;
// it never stops the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context, batch []types.LearningEvent) BatchResult {
	var order []string
	byUser := make(map[string][]types.LearningEvent)
	for _, ev := range batch {
		if _, ok := byUser[ev.UserID]; !ok {
			order = append(order, ev.UserID)
		}
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}

	var applied, malformed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, userID := range order {
		events := byUser[userID]
		g.Go(func() error {
			for _, ev := range events {
				out := p.Process(gctx, ev)
				switch {
				case out.Err == nil:
					applied.Add(1)
				case errors.Is(out.Err, ErrMalformedPayload):
					malformed.Add(1)
				default:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Processed: len(batch),
		Applied:   int(applied.Load()),
		Malformed: int(malformed.Load()),
		Failed:    int(failed.Load()),
	}
}

// Process validates and learns from a single event.
func (p *Processor) Process(ctx context.Context, ev types.LearningEvent) Outcome {
	if err := checkPayload(ev); err != nil {
		metrics.EventsProcessed.WithLabelValues(string(ev.Type), "malformed").Inc()
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		slog.Warn("event dropped",
			"component", "learning",
			"action", "event_dropped",
			"reason", "malformed_payload",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"user_id", ev.UserID,
			"error", err,
		)
		return Outcome{EventID: ev.ID, EventType: ev.Type, Error: err.Error(), Err: err}
	}

	out := p.learn(ctx, ev)
	if out.Err != nil {
		reason := "failed"
		if errors.Is(out.Err, rules.ErrStoreTimeout) {
			reason = "store_timeout"
		}
		metrics.EventsProcessed.WithLabelValues(string(ev.Type), "failed").Inc()
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		slog.Warn("event dropped",
			"component", "learning",
			"action", "event_dropped",
			"reason", reason,
			"event_id", ev.ID,
			"event_type", ev.Type,
			"user_id", ev.UserID,
			"error", out.Err,
		)
		out.Applied = false
		out.Error = out.Err.Error()
		return out
	}

	metrics.EventsProcessed.WithLabelValues(string(ev.Type), "applied").Inc()
	slog.Debug("event applied",
		"component", "learning",
		"action", "event_applied",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"user_id", ev.UserID,
		"created", out.Created,
		"adjusted", out.Adjusted,
	)
	return out
}

func checkPayload(ev types.LearningEvent) error {
	if ev.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	if ev.Payload.EventType() != ev.Type {
		return fmt.Errorf("%w: %s payload on %s event", ErrMalformedPayload, ev.Payload.EventType(), ev.Type)
	}
	if errs := validation.ValidatePayload(ev.Payload); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + " " + e.Message
		}
		return fmt.Errorf("%w: %s", ErrMalformedPayload, strings.Join(msgs, "; "))
	}
	return nil
}
