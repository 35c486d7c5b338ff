package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks failures talking to the backing store (network,
// timeouts, protocol errors). Callers match it with errors.Is to tell
// "not held" apart from "unknown". Cancellation of the caller's own
// context is returned as the plain context error instead.
var ErrUnavailable = errors.New("store unavailable")

// Store is the set of atomic primitives the lock protocol needs.
// Every method is a single atomic operation on one key.
type Store interface {
	// SetIfAbsent creates key=value only if key does not exist.
	// A zero ttl creates the record without expiry.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSetExpiry resets the expiry of key to ttl only if its
	// current value equals expected. A zero ttl removes any expiry.
	CompareAndSetExpiry(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Get returns the current value of key. found is false if it is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Delete removes key unconditionally. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Inspector is implemented by stores that can report the remaining
// lifetime of a record. A found record with ttl 0 has no expiry.
type Inspector interface {
	TTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)
}

// Pinger is implemented by stores that can check connectivity up front.
type Pinger interface {
	Ping(ctx context.Context) error
}

// unavailable wraps err so that it matches ErrUnavailable. When ctx itself
// is done the context error is returned as is.
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
