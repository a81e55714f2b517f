// Package kvs provides the shared key-value store used for execution
// results and socket presence. Values are short-lived strings with a TTL;
// Redis backs production, an in-memory store backs tests and single-node
// development.
package kvs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kvs: key not found")

// Store is the minimal key-value contract shared by the result
// coordinator, the execution worker, and the room fabric.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}
