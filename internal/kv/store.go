// Package kv is the string key-value layer that holds sync state and quota buckets.
// Values are JSON-encoded strings written by the callers.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps transport and connection failures of a backend
var ErrUnavailable = errors.New("kv store unavailable")

// Store is a shared string key-value store
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key without expiry.
	Set(ctx context.Context, key, value string) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
