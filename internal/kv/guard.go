package kv

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// GuardConfig bounds calls into a Store.
type GuardConfig struct {
	Name             string
	Timeout          time.Duration // per-call deadline
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // how long the breaker stays open before probing
}

const writeShards = 64

// Guard wraps a Store with a per-call timeout and a circuit breaker, so a slow or
// failing backend returns ErrUnavailable quickly instead of stalling callers.
//
// A timed-out call keeps running in the background. Writes to one key are
// serialized, and a write whose caller has already given up is skipped once it
// reaches the front, so an abandoned write never lands after a newer one.
type Guard struct {
	inner   Store
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
	writes  [writeShards]sync.Mutex
}

// NewGuard creates a Guard around inner.
func NewGuard(inner Store, cfg GuardConfig) *Guard {
	if cfg.Name == "" {
		cfg.Name = "kv"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("kv circuit breaker state changed",
				"component", "kv",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Guard{
		inner:   inner,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker state for health reporting.
func (g *Guard) State() string {
	return g.cb.State().String()
}

func (g *Guard) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := g.execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Guard) Set(ctx context.Context, key string, value []byte) error {
	_, err := g.execute(ctx, func(ctx context.Context) (any, error) {
		mu := g.writeLock(key)
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, g.inner.Set(ctx, key, value)
	})
	return err
}

func (g *Guard) writeLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &g.writes[h.Sum32()%writeShards]
}

func (g *Guard) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := g.execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (g *Guard) Close() error {
	return g.inner.Close()
}

// execute runs fn under the breaker with the configured deadline. The call is raced
// against the deadline so a backend that ignores ctx still cannot block the caller.
func (g *Guard) execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	v, err := g.cb.Execute(func() (any, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		type result struct {
			v   any
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(callCtx)
			done <- result{v, err}
		}()

		select {
		case r := <-done:
			return r.v, r.err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}
