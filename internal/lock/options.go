package lock

import (
	"log/slog"
	"strings"
	"time"

	"leaselock/internal/metrics"
	"leaselock/internal/store"
)

const (
	// DefaultPollInterval is the pause between attempts of a blocking Acquire.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultKeyPrefix namespaces lock records in the store.
	DefaultKeyPrefix = "leaselock:"
)

// Option configures a Lock or Template.
type Option func(*options)

type options struct {
	globalTimeout time.Duration
	pollInterval  time.Duration
	jitter        time.Duration
	keyPrefix     string
	identity      string
	tokenFunc     func() (string, error)
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func defaultOptions() options {
	return options{
		pollInterval: DefaultPollInterval,
		keyPrefix:    DefaultKeyPrefix,
		identity:     hostname(),
		logger:       slog.New(slog.DiscardHandler),
	}
}

// WithGlobalTimeout sets the lease TTL: a held lock that is not refreshed
// within d expires in the store.
//
// The default, 0, is UNSAFE mode: the record never expires, and a holder
// that crashes without releasing leaks the lock until someone calls Clear.
// Pick a value comfortably above the expected hold time and refresh for
// long critical sections.
func WithGlobalTimeout(d time.Duration) Option {
	return func(o *options) {
		o.globalTimeout = d
	}
}

// WithPollInterval sets the pause between attempts of a blocking Acquire.
// Default: 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithJitter adds a random delay in [0, d) to every poll interval so that
// waiters started together spread out. Default: none.
func WithJitter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.jitter = d
		}
	}
}

// WithKeyPrefix sets the prefix prepended to the lock key in the store.
// Default: "leaselock:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithIdentity sets the human-readable part of owner tokens.
// Default: the hostname.
func WithIdentity(identity string) Option {
	return func(o *options) {
		if identity != "" {
			o.identity = identity
		}
	}
}

// WithTokenFunc replaces owner token generation. Tokens must be unique
// across every acquisition of every participant.
func WithTokenFunc(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.tokenFunc = fn
		}
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func (o *options) validate(s store.Store, key string) error {
	if s == nil {
		return ErrNilStore
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if o.globalTimeout < 0 {
		return ErrNegativeTimeout
	}
	if o.pollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}

// Template is a lock type fixed to one key and one option set. Sharing a
// Template between every call site that locks a key keeps their global
// timeouts consistent; mixing different timeouts on one key is undefined.
type Template struct {
	store store.Store
	key   string
	opts  options
}

// NewTemplate validates the configuration once and returns a Template.
func NewTemplate(s store.Store, key string, opts ...Option) (*Template, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(s, key); err != nil {
		return nil, err
	}
	return &Template{store: s, key: key, opts: o}, nil
}

// New returns a fresh, idle Lock for the template's key.
func (t *Template) New() *Lock {
	return newLock(t.store, t.key, t.opts)
}

// Key returns the lock key without the store prefix.
func (t *Template) Key() string {
	return t.key
}

// GlobalTimeout returns the lease TTL locks of this template use.
func (t *Template) GlobalTimeout() time.Duration {
	return t.opts.globalTimeout
}
