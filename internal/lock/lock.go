// Package lock implements a lease-based mutual-exclusion lock whose state
// lives in a shared store, so unrelated processes and hosts can coordinate
// on a named resource.
//
// A held lock expires in the store after its global timeout unless the
// holder refreshes it by calling Acquire again. Ownership is proven by an
// owner token minted for every new acquisition; refresh and release only
// succeed while the stored value still equals that token, checked
// atomically by the store.
//
// Local state is bookkeeping only. HasLock always asks the store.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"leaselock/internal/metrics"
	"leaselock/internal/store"
)

// State is the local view of a Lock.
type State int

const (
	StateIdle State = iota
	StateHeld
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lock is one participant's handle on a named lock. It is safe for
// concurrent use. The store record it creates outlives the handle: it
// stays until Release, Clear or expiry.
type Lock struct {
	store    store.Store
	name     string
	storeKey string
	opts     options
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	token       string
	acquiredAt  time.Time
	refreshedAt time.Time
}

// New creates an idle Lock for key. See the With* options for defaults;
// note that without WithGlobalTimeout the lock never expires.
func New(s store.Store, key string, opts ...Option) (*Lock, error) {
	t, err := NewTemplate(s, key, opts...)
	if err != nil {
		return nil, err
	}
	return t.New(), nil
}

func newLock(s store.Store, key string, o options) *Lock {
	if o.tokenFunc == nil {
		identity := o.identity
		o.tokenFunc = func() (string, error) { return newToken(identity) }
	}
	return &Lock{
		store:    s,
		name:     key,
		storeKey: o.keyPrefix + key,
		opts:     o,
		logger:   o.logger.With("lock", key),
	}
}

// TryAcquire makes a single non-blocking attempt. It is Acquire(ctx, false, 0).
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.Acquire(ctx, false, 0)
}

// Acquire obtains the lock, or refreshes it if this handle already holds it.
//
// A refresh resets the record's expiry to the global timeout and keeps
// the owner token. If the refresh fails because the lease was lost, Acquire
// falls through to a fresh acquisition with a new token.
//
// With blocking false, Acquire makes one attempt. With blocking true it
// retries every poll interval (plus jitter) until it succeeds or
// blockingTimeout, measured from this call, elapses; a zero blockingTimeout
// waits indefinitely. Timing out returns false with a nil error.
//
// Store failures abort the call and are returned wrapping ErrUnavailable.
// Cancelling ctx stops a blocking wait and returns ctx.Err().
func (l *Lock) Acquire(ctx context.Context, blocking bool, blockingTimeout time.Duration) (bool, error) {
	start := time.Now()
	var deadline time.Time
	if blocking && blockingTimeout > 0 {
		deadline = start.Add(blockingTimeout)
	}

	for {
		ok, refreshed, err := l.attempt(ctx)
		switch {
		case err != nil:
			l.opts.metrics.ObserveAcquire(metrics.ResultError)
			return false, err
		case ok && refreshed:
			l.opts.metrics.ObserveAcquire(metrics.ResultRefreshed)
			return true, nil
		case ok:
			l.opts.metrics.ObserveAcquire(metrics.ResultAcquired)
			if blocking {
				l.opts.metrics.ObserveWait(time.Since(start))
			}
			return true, nil
		case !blocking:
			l.opts.metrics.ObserveAcquire(metrics.ResultContended)
			return false, nil
		}

		wait := l.pollDelay()
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				l.logger.Debug("timed out waiting for lock", "waited", time.Since(start))
				l.opts.metrics.ObserveAcquire(metrics.ResultTimeout)
				l.opts.metrics.ObserveWait(time.Since(start))
				return false, nil
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt is one non-blocking refresh-or-acquire step.
func (l *Lock) attempt(ctx context.Context) (ok, refreshed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateHeld {
		ok, err := l.store.CompareAndSetExpiry(ctx, l.storeKey, l.token, l.opts.globalTimeout)
		if err != nil {
			return false, false, fmt.Errorf("failed to refresh lock %q: %w", l.name, err)
		}
		if ok {
			l.refreshedAt = time.Now()
			l.logger.Debug("refreshed lock")
			return true, true, nil
		}
		l.loseLease()
	}

	token, err := l.opts.tokenFunc()
	if err != nil {
		return false, false, fmt.Errorf("failed to generate owner token: %w", err)
	}

	ok, err = l.store.SetIfAbsent(ctx, l.storeKey, token, l.opts.globalTimeout)
	if err != nil {
		return false, false, fmt.Errorf("failed to acquire lock %q: %w", l.name, err)
	}
	if !ok {
		return false, false, nil
	}

	now := time.Now()
	l.state = StateHeld
	l.token = token
	l.acquiredAt = now
	l.refreshedAt = now
	l.logger.Debug("acquired lock", "global_timeout", l.opts.globalTimeout)
	return true, false, nil
}

// pollDelay returns the poll interval plus a random jitter.
func (l *Lock) pollDelay() time.Duration {
	if l.opts.jitter <= 0 {
		return l.opts.pollInterval
	}
	return l.opts.pollInterval + time.Duration(rand.Int64N(int64(l.opts.jitter)))
}

// Refresh extends the lease of a held lock without ever falling back to a
// new acquisition. It returns false if this handle does not hold the lock,
// including when the lease was lost.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateHeld {
		return false, nil
	}

	ok, err := l.store.CompareAndSetExpiry(ctx, l.storeKey, l.token, l.opts.globalTimeout)
	if err != nil {
		l.opts.metrics.ObserveAcquire(metrics.ResultError)
		return false, fmt.Errorf("failed to refresh lock %q: %w", l.name, err)
	}
	if !ok {
		l.loseLease()
		return false, nil
	}

	l.refreshedAt = time.Now()
	l.opts.metrics.ObserveAcquire(metrics.ResultRefreshed)
	return true, nil
}

// loseLease records that the store no longer carries our token. Caller holds mu.
func (l *Lock) loseLease() {
	l.state = StateIdle
	l.opts.metrics.ObserveLeaseLost()
	l.logger.Warn("lease lost, lock expired or taken by another owner")
}

// Release deletes the lock record if, and only if, it still carries this
// handle's token. It returns false when the lock is absent or owned by
// someone else, for example after our lease expired and another
// participant acquired it; that record is left untouched.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		l.state = StateReleased
		l.opts.metrics.ObserveRelease(metrics.ResultNotOwner)
		return false, nil
	}

	ok, err := l.store.CompareAndDelete(ctx, l.storeKey, l.token)
	if err != nil {
		l.opts.metrics.ObserveRelease(metrics.ResultError)
		return false, fmt.Errorf("failed to release lock %q: %w", l.name, err)
	}

	l.state = StateReleased
	if !ok {
		l.opts.metrics.ObserveRelease(metrics.ResultNotOwner)
		l.logger.Debug("release skipped, lock not owned")
		return false, nil
	}
	l.opts.metrics.ObserveRelease(metrics.ResultReleased)
	l.logger.Debug("released lock")
	return true, nil
}

// HasLock reads the store and reports whether the record currently carries
// this handle's token. It never mutates the store or refreshes the lease.
// The answer is only valid at the instant of the read.
func (l *Lock) HasLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		return false, nil
	}

	value, found, err := l.store.Get(ctx, l.storeKey)
	if err != nil {
		return false, fmt.Errorf("failed to read lock %q: %w", l.name, err)
	}
	if found && value == token {
		return true, nil
	}

	l.mu.Lock()
	if l.state == StateHeld && l.token == token {
		l.loseLease()
	}
	l.mu.Unlock()
	return false, nil
}

// Clear deletes the lock record whatever its owner.
//
// This is an operator-only escape hatch for recovering from a leaked lock
// (typically one taken in unsafe mode by a holder that died). It breaks
// mutual exclusion for the current holder and must never be part of the
// normal acquire/release protocol. Waiters blocked in Acquire are not
// signalled; they see the key free on their next poll.
func (l *Lock) Clear(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.storeKey); err != nil {
		return fmt.Errorf("failed to clear lock %q: %w", l.name, err)
	}

	l.mu.Lock()
	if l.state == StateHeld {
		l.state = StateIdle
	}
	l.acquiredAt = time.Time{}
	l.refreshedAt = time.Time{}
	l.mu.Unlock()

	l.opts.metrics.ObserveClear()
	l.logger.Warn("lock cleared administratively", "store_key", l.storeKey)
	return nil
}

// Key returns the lock key as given to New.
func (l *Lock) Key() string {
	return l.name
}

// StoreKey returns the key of the record in the store, prefix included.
func (l *Lock) StoreKey() string {
	return l.storeKey
}

// GlobalTimeout returns the lease TTL. Zero means unsafe mode.
func (l *Lock) GlobalTimeout() time.Duration {
	return l.opts.globalTimeout
}

// State returns the local bookkeeping state. Use HasLock for liveness.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Token returns the owner token of the latest successful acquisition, or
// "" if the handle never acquired the lock.
func (l *Lock) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// AcquiredAt returns when the handle last made a new acquisition.
// Refreshes do not move it.
func (l *Lock) AcquiredAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquiredAt
}

// RefreshedAt returns when the lease was last acquired or refreshed.
func (l *Lock) RefreshedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshedAt
}

// Remaining estimates the lease time left from the local clock. ok is
// false in unsafe mode or before any acquisition. The value goes negative
// once the lease has expired and is not reset by Release.
func (l *Lock) Remaining() (remaining time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opts.globalTimeout == 0 || l.refreshedAt.IsZero() {
		return 0, false
	}
	return l.opts.globalTimeout - time.Since(l.refreshedAt), true
}
