package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is a test implementation of the Store interface. It keeps
// records in memory without expiry and can be told to fail.
type MockStore struct {
	mu sync.Mutex

	// Configurable failures, returned before the record map is touched.
	SetError    error
	ExpireError error
	DeleteError error
	GetError    error
	ClearError  error
	CloseError  error

	// Call tracking
	SetCalls    []SetCall
	ExpireCalls []SetCall
	DeleteCalls []string
	GetCalls    []string
	ClearCalls  []string

	records map[string]string
}

// SetCall records a SetIfAbsent or CompareAndSetExpiry call.
type SetCall struct {
	Key   string
	Value string
	TTL   time.Duration
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{records: make(map[string]string)}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (m *MockStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetCalls = append(m.SetCalls, SetCall{Key: key, Value: value, TTL: ttl})
	if m.SetError != nil {
		return false, m.SetError
	}
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = value
	return true, nil
}

// CompareAndSetExpiry implements Store.CompareAndSetExpiry.
func (m *MockStore) CompareAndSetExpiry(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExpireCalls = append(m.ExpireCalls, SetCall{Key: key, Value: expected, TTL: ttl})
	if m.ExpireError != nil {
		return false, m.ExpireError
	}
	return m.records[key] == expected && expected != "", nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (m *MockStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls = append(m.DeleteCalls, key)
	if m.DeleteError != nil {
		return false, m.DeleteError
	}
	if v, ok := m.records[key]; !ok || v != expected {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

// Get implements Store.Get.
func (m *MockStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls = append(m.GetCalls, key)
	if m.GetError != nil {
		return "", false, m.GetError
	}
	v, ok := m.records[key]
	return v, ok, nil
}

// Delete implements Store.Delete.
func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ClearCalls = append(m.ClearCalls, key)
	if m.ClearError != nil {
		return m.ClearError
	}
	delete(m.records, key)
	return nil
}

// Close implements Store.Close.
func (m *MockStore) Close() error {
	return m.CloseError
}

// Put forces a record, simulating another owner or an expiry race.
func (m *MockStore) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = value
}

// Drop removes a record, simulating TTL expiry.
func (m *MockStore) Drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// FailExpire sets ExpireError while other goroutines may be calling the store.
func (m *MockStore) FailExpire(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExpireError = err
}

// ExpireCallCount returns the number of CompareAndSetExpiry calls so far.
func (m *MockStore) ExpireCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExpireCalls)
}

// Reset clears all call tracking, failures and records.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetError, m.ExpireError, m.DeleteError, m.GetError, m.ClearError = nil, nil, nil, nil, nil
	m.SetCalls = nil
	m.ExpireCalls = nil
	m.DeleteCalls = nil
	m.GetCalls = nil
	m.ClearCalls = nil
	m.records = make(map[string]string)
}
