package lock

import (
	"errors"

	"leaselock/internal/store"
)

// Construction errors. Protocol outcomes such as a contended key, a lost
// refresh race or a blocking timeout are reported as false results, not
// errors.
var (
	ErrEmptyKey            = errors.New("lock: key must not be empty")
	ErrNilStore            = errors.New("lock: store is nil")
	ErrNegativeTimeout     = errors.New("lock: global timeout must not be negative")
	ErrInvalidPollInterval = errors.New("lock: poll interval must be positive")
)

// ErrUnavailable is returned (wrapped) when the store cannot be reached.
// It means the lock state is unknown, not that the lock is free.
var ErrUnavailable = store.ErrUnavailable
