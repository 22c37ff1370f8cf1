// Package learning implements the real-time learning pipeline: the event collector with
// its pending queue and critical bypass, the per-type event processor, and the Engine
// that owns their lifecycle and serves recommendations from the learned rules.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/citytailor/internal/metrics"
	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/score"
	"github.com/hyperengineering/citytailor/internal/types"
	"github.com/hyperengineering/citytailor/internal/worker"
)

// AnonymousSession scopes rules of callers with neither a user nor a session id.
const AnonymousSession = "anonymous"

// Config tunes the pipeline. Zero fields take DefaultConfig values.
type Config struct {
	BatchInterval     time.Duration
	Workers           int
	CriticalEvents    []types.EventType
	DiscardOnShutdown bool // drop queued events on Stop instead of processing them
	SessionDecayRate  float64
	IgnorePenalty     float64
	RejectionPenalty  float64
	Now               func() time.Time
}

// DefaultConfig returns the reference pipeline settings.
func DefaultConfig() Config {
	return Config{
		BatchInterval:    5 * time.Second,
		Workers:          4,
		CriticalEvents:   []types.EventType{types.EventFavoriteAdded, types.EventStrongRejection, types.EventBookingCompleted},
		SessionDecayRate: 0.1,
		IgnorePenalty:    0.4,
		RejectionPenalty: 3.0,
		Now:              time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchInterval <= 0 {
		c.BatchInterval = def.BatchInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.CriticalEvents == nil {
		c.CriticalEvents = def.CriticalEvents
	}
	if c.SessionDecayRate <= 0 || c.SessionDecayRate > 1 {
		c.SessionDecayRate = def.SessionDecayRate
	}
	if c.IgnorePenalty <= 0 {
		c.IgnorePenalty = def.IgnorePenalty
	}
	if c.RejectionPenalty <= 0 {
		c.RejectionPenalty = def.RejectionPenalty
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// ContextSource supplies the snapshot stamped on each event. A source that also has
// a Run(ctx) method is started and stopped with the engine.
type ContextSource interface {
	Snapshot() types.ContextSnapshot
}

type runner interface {
	Run(ctx context.Context)
}

type engineState int32

const (
	stateNew engineState = iota
	stateRunning
	stateStopped
)

// Receipt acknowledges a submitted event. Outcome is set for critical events, which
// are processed before Submit returns.
type Receipt struct {
	EventID string          `json:"event_id"`
	Type    types.EventType `json:"type"`
	Queued  bool            `json:"queued"`
	Outcome *Outcome        `json:"outcome,omitempty"`
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Queued     int64 `json:"queued"`
	Immediate  int64 `json:"immediate"`
	Processed  int64 `json:"processed"`
	Applied    int64 `json:"applied"`
	Malformed  int64 `json:"malformed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
	Running    bool  `json:"running"`
}

type counters struct {
	submitted, queued, immediate          atomic.Int64
	processed, applied, malformed, failed atomic.Int64
	dropped                               atomic.Int64
}

func (c *counters) record(r BatchResult) {
	c.processed.Add(int64(r.Processed))
	c.applied.Add(int64(r.Applied))
	c.malformed.Add(int64(r.Malformed))
	c.failed.Add(int64(r.Failed))
}

// Engine is the learning service object. Construct with NewEngine, then Start;
// Stop processes or discards the pending queue.
type Engine struct {
	cfg       Config
	store     RuleStore
	source    ContextSource
	scorer    *score.Scorer
	processor *Processor
	queue     Queue
	scheduler *worker.BatchScheduler
	critical  map[types.EventType]bool
	stats     counters

	mu     sync.RWMutex // guards state against Submit during Stop
	state  engineState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine over the given rule store, context source and scorer.
func NewEngine(store RuleStore, src ContextSource, scorer *score.Scorer, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		store:     store,
		source:    src,
		scorer:    scorer,
		processor: NewProcessor(store, cfg),
		critical:  make(map[types.EventType]bool, len(cfg.CriticalEvents)),
	}
	for _, t := range cfg.CriticalEvents {
		e.critical[t] = true
	}
	e.scheduler = worker.NewBatchScheduler(e, cfg.BatchInterval)
	return e
}

// Start launches the batch scheduler and, if the context source can run, its refresh loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrEngineStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = stateRunning

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(runCtx)
	}()

	if r, ok := e.source.(runner); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(runCtx)
		}()
	}

	slog.Info("learning engine started",
		"component", "learning",
		"batch_interval", e.cfg.BatchInterval.String(),
		"workers", e.cfg.Workers,
		"critical_events", len(e.critical),
	)
	return nil
}

// Stop stops accepting events, stops the scheduled tasks after any in-flight drain,
// then processes or discards what is still queued. Discarded events are logged.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		state := e.state
		e.mu.Unlock()
		if state == stateStopped {
			return nil
		}
		return ErrEngineNotStarted
	}
	e.state = stateStopped
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// The in-flight drain keeps its own batch; what is still queued is dropped.
		remaining := e.queue.Drain()
		metrics.QueueDepth.Set(0)
		e.discard(remaining, "shutdown_timeout")
		slog.Warn("learning engine stop timed out",
			"component", "learning",
			"discarded", len(remaining),
			"error", ctx.Err(),
		)
		return fmt.Errorf("stop learning engine: %w", ctx.Err())
	}

	remaining := e.queue.Drain()
	metrics.QueueDepth.Set(0)
	if len(remaining) == 0 {
		slog.Info("learning engine stopped", "component", "learning", "final_batch", 0)
		return nil
	}

	if !e.cfg.DiscardOnShutdown {
		result := e.processor.ProcessBatch(ctx, remaining)
		e.stats.record(result)
		e.stats.dropped.Add(int64(result.Malformed + result.Failed))
		slog.Info("learning engine stopped",
			"component", "learning",
			"final_batch", len(remaining),
			"applied", result.Applied,
			"dropped", result.Malformed+result.Failed,
		)
		return nil
	}

	e.discard(remaining, "shutdown")
	slog.Info("learning engine stopped", "component", "learning", "discarded", len(remaining))
	return nil
}

// discard logs and counts each event as dropped without processing it.
func (e *Engine) discard(events []types.LearningEvent, reason string) {
	for _, ev := range events {
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		slog.Warn("event dropped",
			"component", "learning",
			"action", "event_dropped",
			"reason", reason,
			"event_id", ev.ID,
			"event_type", ev.Type,
			"user_id", ev.UserID,
		)
	}
	e.stats.dropped.Add(int64(len(events)))
}

// ResolveUser maps caller identity to the rule owner. Callers without a user id are
// scoped to a session pseudo-user whose rules are never persisted. A non-empty
// userID is expected to have passed rules.ValidateUserID.
func ResolveUser(userID, sessionID string) string {
	if userID != "" {
		return userID
	}
	if sessionID == "" {
		sessionID = AnonymousSession
	}
	return rules.SessionUserID(sessionID)
}

// Submit records a learning event. Critical types are processed before Submit
// returns; all others are queued for the next batch.
func (e *Engine) Submit(ctx context.Context, eventType types.EventType, payload types.Payload, userID, sessionID string) (Receipt, error) {
	if !eventType.Valid() {
		metrics.EventsRejected.Inc()
		return Receipt{}, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if err := rules.ValidateUserID(userID); err != nil {
		metrics.EventsRejected.Inc()
		return Receipt{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case stateNew:
		return Receipt{}, ErrEngineNotStarted
	case stateStopped:
		return Receipt{}, ErrEngineStopped
	}

	ev := types.LearningEvent{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Payload:   payload,
		Context:   e.source.Snapshot(),
		Timestamp: e.cfg.Now().UTC(),
		UserID:    ResolveUser(userID, sessionID),
		SessionID: sessionID,
	}
	e.stats.submitted.Add(1)
	receipt := Receipt{EventID: ev.ID, Type: ev.Type}

	if e.critical[eventType] {
		e.stats.immediate.Add(1)
		metrics.EventsSubmitted.WithLabelValues(string(eventType), "immediate").Inc()

		out := e.processor.Process(ctx, ev)
		e.stats.processed.Add(1)
		switch {
		case out.Err == nil:
			e.stats.applied.Add(1)
		case isMalformed(out.Err):
			e.stats.malformed.Add(1)
			e.stats.dropped.Add(1)
		default:
			e.stats.failed.Add(1)
			e.stats.dropped.Add(1)
		}
		receipt.Outcome = &out
		return receipt, nil
	}

	depth := e.queue.Push(ev)
	e.stats.queued.Add(1)
	metrics.EventsSubmitted.WithLabelValues(string(eventType), "queued").Inc()
	metrics.QueueDepth.Set(float64(depth))
	receipt.Queued = true
	return receipt, nil
}

// DrainBatch takes the pending queue and processes it. Called by the batch scheduler.
func (e *Engine) DrainBatch(ctx context.Context) int {
	batch := e.queue.Drain()
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	if len(batch) == 0 {
		return 0
	}

	start := time.Now()
	result := e.processor.ProcessBatch(ctx, batch)
	e.stats.record(result)
	e.stats.dropped.Add(int64(result.Malformed + result.Failed))

	metrics.BatchSize.Observe(float64(len(batch)))
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	slog.Info("batch processed",
		"component", "learning",
		"action", "batch_complete",
		"events", len(batch),
		"applied", result.Applied,
		"malformed", result.Malformed,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return len(batch)
}

// RecommendationRequest is one scoring call from a UI collaborator.
type RecommendationRequest struct {
	UserID      string
	SessionID   string
	Candidates  []types.CandidatePlace
	Preferences types.Preferences
	Favorites   []string
	Itinerary   []string
	Limit       int
	Discovery   int
	Seed        *uint64
}

// Recommendations is a scoring result plus the context it was computed in.
type Recommendations struct {
	score.Result
	Context types.ContextSnapshot `json:"context"`
}

// GetRecommendations scores candidates for the caller against the current context and
// the caller's learned rules. If the rules cannot be read, scoring proceeds without them.
func (e *Engine) GetRecommendations(ctx context.Context, req RecommendationRequest) Recommendations {
	start := time.Now()
	metrics.RecommendationRequests.Inc()
	defer func() { metrics.RecommendationDuration.Observe(time.Since(start).Seconds()) }()

	var learned []types.AdaptationRule
	owner := ResolveUser(req.UserID, req.SessionID)
	err := rules.ValidateUserID(req.UserID)
	if err == nil {
		learned, err = e.store.RulesFor(ctx, owner, "")
	}
	if err != nil {
		slog.Warn("scoring without learned rules",
			"component", "learning",
			"user_id", owner,
			"error", err,
		)
	}

	snap := e.source.Snapshot()
	result := e.scorer.Score(score.Request{
		Candidates:  req.Candidates,
		Preferences: req.Preferences,
		Favorites:   req.Favorites,
		Itinerary:   req.Itinerary,
		Rules:       learned,
		Context:     snap,
		Limit:       req.Limit,
		Discovery:   req.Discovery,
		Seed:        req.Seed,
	})
	return Recommendations{Result: result, Context: snap}
}

// GetRules returns the learned rules of a user, optionally for one category.
func (e *Engine) GetRules(ctx context.Context, userID string, category types.RuleCategory) ([]types.AdaptationRule, error) {
	return e.store.RulesFor(ctx, userID, category)
}

// GetRule returns one learned rule by its key.
func (e *Engine) GetRule(ctx context.Context, userID string, category types.RuleCategory, signature string) (types.AdaptationRule, error) {
	return e.store.Rule(ctx, userID, category, signature)
}

// Snapshot returns the current context snapshot.
func (e *Engine) Snapshot() types.ContextSnapshot {
	return e.source.Snapshot()
}

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	running := e.state == stateRunning
	e.mu.RUnlock()

	return Stats{
		Submitted:  e.stats.submitted.Load(),
		Queued:     e.stats.queued.Load(),
		Immediate:  e.stats.immediate.Load(),
		Processed:  e.stats.processed.Load(),
		Applied:    e.stats.applied.Load(),
		Malformed:  e.stats.malformed.Load(),
		Failed:     e.stats.failed.Load(),
		Dropped:    e.stats.dropped.Load(),
		QueueDepth: e.queue.Len(),
		Running:    running,
	}
}
