// Package rules implements the adaptation rule store: learned per-user rules keyed by
// (user, category, signature), merged on reinforcement and persisted through a KV collaborator.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/citytailor/internal/kv"
	"github.com/hyperengineering/citytailor/internal/metrics"
	"github.com/hyperengineering/citytailor/internal/types"
)

const shardCount = 64

// Config tunes merge arithmetic and cache/persistence behaviour.
type Config struct {
	CacheSize    int              // max users resident in memory
	Smoothing    float64          // EMA factor applied to confidence on merge
	RetryBackoff time.Duration    // wait before the single retry of a failed KV call
	Now          func() time.Time // clock; defaults to time.Now
}

// DefaultConfig returns the reference coefficients.
func DefaultConfig() Config {
	return Config{
		CacheSize:    10000,
		Smoothing:    0.5,
		RetryBackoff: 50 * time.Millisecond,
		Now:          time.Now,
	}
}

// Store holds adaptation rules. The KV collaborator is the source of truth; the LRU
// is a bounded cache of per-user rule sets. Writes for one user are serialized by a
// sharded mutex; cached rule sets are copy-on-write so readers never need a lock on hit.
type Store struct {
	kv     kv.Store
	cache  *lru.Cache[string, *userRules]
	shards [shardCount]sync.Mutex
	cfg    Config
}

// userRules is the persisted document for one user: rules[category][signature].
type userRules struct {
	UserID string                                                  `json:"user_id"`
	Rules  map[types.RuleCategory]map[string]types.AdaptationRule `json:"rules"`
}

func newUserRules(userID string) *userRules {
	return &userRules{
		UserID: userID,
		Rules:  make(map[types.RuleCategory]map[string]types.AdaptationRule),
	}
}

func (u *userRules) clone() *userRules {
	out := newUserRules(u.UserID)
	for cat, bySig := range u.Rules {
		m := make(map[string]types.AdaptationRule, len(bySig))
		for sig, r := range bySig {
			m[sig] = r
		}
		out.Rules[cat] = m
	}
	return out
}

func (u *userRules) put(r types.AdaptationRule) {
	bySig, ok := u.Rules[r.Category]
	if !ok {
		bySig = make(map[string]types.AdaptationRule)
		u.Rules[r.Category] = bySig
	}
	bySig[r.Signature] = r
}

// NewStore creates a rule store over the given KV collaborator.
func NewStore(store kv.Store, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	cache, err := lru.New[string, *userRules](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}

	return &Store{kv: store, cache: cache, cfg: cfg}, nil
}

// lock serializes writers for one user and returns the unlock func.
func (s *Store) lock(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	mu := &s.shards[h.Sum32()%shardCount]
	mu.Lock()
	return mu.Unlock
}

// Upsert creates the rule for (userID, category, signature(pattern)) or merges into the
// existing one: confidence moves toward the new value by the smoothing factor and weight
// accumulates. It reports whether a new rule was created.
func (s *Store) Upsert(ctx context.Context, userID string, category types.RuleCategory, pattern types.Pattern, confidence, weight float64) (types.AdaptationRule, bool, error) {
	if userID == "" || category == "" {
		return types.AdaptationRule{}, false, fmt.Errorf("%w: user and category are required", ErrInvalidRule)
	}
	if len(pattern.Features) == 0 {
		return types.AdaptationRule{}, false, fmt.Errorf("%w: pattern has no features", ErrInvalidRule)
	}

	sig := Signature(category, pattern)

	unlock := s.lock(userID)
	defer unlock()

	doc, err := s.load(ctx, userID)
	if err != nil {
		return types.AdaptationRule{}, false, err
	}
	next := doc.clone()

	now := s.cfg.Now().UTC()
	rule, exists := next.Rules[category][sig]
	if exists {
		rule.Confidence = clamp01(rule.Confidence + (confidence-rule.Confidence)*s.cfg.Smoothing)
		rule.Weight = math.Max(0, rule.Weight+weight)
		rule.Reinforcements++
		rule.Pattern = mergeAttributes(rule.Pattern, pattern)
		rule.UpdatedAt = now
	} else {
		rule = types.AdaptationRule{
			Category:       category,
			UserID:         userID,
			Signature:      sig,
			Pattern:        pattern.Clone(),
			Confidence:     clamp01(confidence),
			Weight:         math.Max(0, weight),
			Reinforcements: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	next.put(rule)

	if err := s.save(ctx, next); err != nil {
		return types.AdaptationRule{}, false, err
	}

	op := "merge"
	if !exists {
		op = "insert"
	}
	metrics.RuleWrites.WithLabelValues(string(category), op).Inc()

	slog.Debug("rule upserted",
		"component", "rules",
		"action", op,
		"user_id", userID,
		"category", category,
		"signature", sig,
		"confidence", rule.Confidence,
		"weight", rule.Weight,
	)

	rule.Pattern = rule.Pattern.Clone()
	return rule, !exists, nil
}

// Adjust applies fn to every rule of userID and persists the rule set if fn reported a
// change for at least one rule. It returns the number of changed rules. op labels metrics.
func (s *Store) Adjust(ctx context.Context, userID, op string, fn func(r *types.AdaptationRule) bool) (int, error) {
	unlock := s.lock(userID)
	defer unlock()

	doc, err := s.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	next := doc.clone()

	changed := 0
	for cat, bySig := range next.Rules {
		for sig, r := range bySig {
			if fn(&r) {
				r.Weight = math.Max(0, r.Weight)
				r.Confidence = clamp01(r.Confidence)
				bySig[sig] = r
				changed++
				metrics.RuleWrites.WithLabelValues(string(cat), op).Inc()
			}
		}
	}
	if changed == 0 {
		return 0, nil
	}

	if err := s.save(ctx, next); err != nil {
		return 0, err
	}
	return changed, nil
}

// Penalize reduces the weight of every rule of userID for which match is true,
// flooring at zero. UpdatedAt moves forward on penalized rules.
func (s *Store) Penalize(ctx context.Context, userID string, match func(types.AdaptationRule) bool, amount float64) (int, error) {
	now := s.cfg.Now().UTC()
	return s.Adjust(ctx, userID, "penalize", func(r *types.AdaptationRule) bool {
		if !match(*r) || r.Weight == 0 {
			return false
		}
		r.Weight = math.Max(0, r.Weight-amount)
		r.UpdatedAt = now
		return true
	})
}

// DecayStale lowers confidence by amount on every persisted rule not updated since
// threshold. Users are processed independently; a failing user is logged and skipped.
func (s *Store) DecayStale(ctx context.Context, threshold time.Time, amount float64) (int64, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, userID := range users {
		if ctx.Err() != nil {
			return affected, ctx.Err()
		}
		n, err := s.Adjust(ctx, userID, "decay", func(r *types.AdaptationRule) bool {
			if !r.UpdatedAt.Before(threshold) || r.Confidence == 0 {
				return false
			}
			r.Confidence = math.Max(0, r.Confidence-amount)
			return true
		})
		if err != nil {
			slog.Warn("rule decay failed for user",
				"component", "rules",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		affected += int64(n)
	}
	return affected, nil
}

// Users lists every user with persisted rules.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	var keys []string
	_, err := s.withRetry(ctx, "keys", func(ctx context.Context) error {
		var err error
		keys, err = s.kv.Keys(ctx, storageKey(""))
		return err
	}, nil)
	if err != nil {
		return nil, err
	}

	users := make([]string, len(keys))
	for i, k := range keys {
		users[i] = userFromKey(k)
	}
	return users, nil
}

// RulesFor returns the rules of userID, optionally restricted to one category, ordered
// by category then signature. Cache hits are lock-free; results are independent copies.
func (s *Store) RulesFor(ctx context.Context, userID string, category types.RuleCategory) ([]types.AdaptationRule, error) {
	doc, ok := s.cache.Get(userID)
	if !ok {
		unlock := s.lock(userID)
		var err error
		doc, err = s.load(ctx, userID)
		unlock()
		if err != nil {
			return nil, err
		}
	}

	var out []types.AdaptationRule
	for cat, bySig := range doc.Rules {
		if category != "" && cat != category {
			continue
		}
		for _, r := range bySig {
			r.Pattern = r.Pattern.Clone()
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

// Rule returns one rule by its key.
func (s *Store) Rule(ctx context.Context, userID string, category types.RuleCategory, signature string) (types.AdaptationRule, error) {
	all, err := s.RulesFor(ctx, userID, category)
	if err != nil {
		return types.AdaptationRule{}, err
	}
	for _, r := range all {
		if r.Signature == signature {
			return r, nil
		}
	}
	return types.AdaptationRule{}, fmt.Errorf("%w: %s/%s/%s", ErrRuleNotFound, userID, category, signature)
}

// load returns the cached rule set for userID, reading through to the KV on a miss.
// Callers must hold the user's shard lock.
func (s *Store) load(ctx context.Context, userID string) (*userRules, error) {
	if doc, ok := s.cache.Get(userID); ok {
		return doc, nil
	}

	doc := newUserRules(userID)
	if !IsSessionUser(userID) {
		var data []byte
		found, err := s.withRetry(ctx, "get", func(ctx context.Context) error {
			var err error
			data, err = s.kv.Get(ctx, storageKey(userID))
			return err
		}, kv.ErrNotFound)
		if err != nil {
			return nil, err
		}
		if found {
			if err := json.Unmarshal(data, doc); err != nil {
				return nil, fmt.Errorf("decode rules for %s: %w", userID, err)
			}
			if doc.Rules == nil {
				doc.Rules = make(map[types.RuleCategory]map[string]types.AdaptationRule)
			}
		}
	}

	s.cache.Add(userID, doc)
	metrics.RuleCacheSize.Set(float64(s.cache.Len()))
	return doc, nil
}

// save persists doc (unless it belongs to a session user) and publishes it to the cache.
// Callers must hold the user's shard lock.
func (s *Store) save(ctx context.Context, doc *userRules) error {
	if !IsSessionUser(doc.UserID) {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode rules for %s: %w", doc.UserID, err)
		}
		if _, err := s.withRetry(ctx, "set", func(ctx context.Context) error {
			return s.kv.Set(ctx, storageKey(doc.UserID), data)
		}, nil); err != nil {
			return err
		}
	}

	s.cache.Add(doc.UserID, doc)
	metrics.RuleCacheSize.Set(float64(s.cache.Len()))
	return nil
}

// withRetry runs op, retrying once after the configured backoff. An error matching
// absent is treated as a successful "not found" and reported via found=false.
// Exhausted retries are reported as ErrStoreTimeout.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error, absent error) (bool, error) {
	found := true
	b := retry.WithMaxRetries(1, retry.NewConstant(s.cfg.RetryBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if absent != nil && errors.Is(err, absent) {
			found = false
			return nil
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues(op).Inc()
		return false, fmt.Errorf("%w: %s: %v", ErrStoreTimeout, op, err)
	}
	return found, nil
}

func mergeAttributes(existing, incoming types.Pattern) types.Pattern {
	out := existing.Clone()
	if len(incoming.Attributes) == 0 {
		return out
	}
	if out.Attributes == nil {
		out.Attributes = make(map[string]string, len(incoming.Attributes))
	}
	for k, v := range incoming.Attributes {
		out.Attributes[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
