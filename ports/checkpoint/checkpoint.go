// Package checkpoint defines the port for durable subscription progress.
// Catch-up subscriptions store the last handled position under a caller
// chosen key and resume from it after restarts.
package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound means no checkpoint exists under the key yet.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists subscription progress markers.
type Store interface {
	// Get returns the checkpoint stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (uint64, error)
	// Set stores value under key, overwriting any previous checkpoint.
	Set(ctx context.Context, key string, value uint64) error
}
