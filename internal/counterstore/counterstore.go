// Package counterstore implements the shared counter store: a key/value store
// with per-key TTL holding opaque byte blobs. It backs the rate limiter's
// sliding-window logs and the scheduler's leases.
//
// The store is not linearizable across concurrent writers. Callers that
// read, modify and write a key must tolerate lost updates.
package counterstore

import (
	"context"
	"time"
)

// opTimeout bounds a single store round trip.
const opTimeout = time.Second

// Store is the shared counter store contract. Get returns (nil, nil) for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX stores value only if key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	Ping(ctx context.Context) error
}
