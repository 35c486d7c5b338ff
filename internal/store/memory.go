package store

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is a process-local Store. It is useful for tests and for
// coordinating goroutines within a single host; it offers no coordination
// across processes.
type Memory struct {
	// mu serializes the read-compare-write sequences; go-cache only
	// guarantees atomicity of single calls.
	mu    sync.Mutex
	items *cache.Cache
}

// NewMemory creates an empty in-memory store. Expired records are
// dropped lazily on access, so the cache runs without a janitor goroutine.
func NewMemory() *Memory {
	return &Memory{items: cache.New(cache.NoExpiration, 0)}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

// SetIfAbsent implements Store.
func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Add fails when a live item exists; expired items count as absent.
	return m.items.Add(key, value, expiration(ttl)) == nil, nil
}

// CompareAndSetExpiry implements Store.
func (m *Memory) CompareAndSetExpiry(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.matches(key, expected) {
		return false, nil
	}
	m.items.Set(key, expected, expiration(ttl))
	return true, nil
}

// CompareAndDelete implements Store.
func (m *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.matches(key, expected) {
		return false, nil
	}
	m.items.Delete(key)
	return true, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.items.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items.Delete(key)
	return nil
}

// TTL implements Inspector.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, expiresAt, ok := m.items.GetWithExpiration(key)
	if !ok {
		return 0, false, nil
	}
	if expiresAt.IsZero() {
		return 0, true, nil
	}
	return time.Until(expiresAt), true, nil
}

// Close drops all records.
func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}

// matches reports whether key currently holds expected. Caller holds mu.
func (m *Memory) matches(key, expected string) bool {
	v, ok := m.items.Get(key)
	return ok && v.(string) == expected
}
