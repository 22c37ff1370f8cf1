// Package kv provides the key-value persistence collaborator used by the rule store.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("kv store unavailable")
)

// Store is the minimal persistence contract: opaque values addressed by string keys.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
