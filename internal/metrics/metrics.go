package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquire outcomes.
const (
	ResultAcquired  = "acquired"
	ResultRefreshed = "refreshed"
	ResultContended = "contended"
	ResultTimeout   = "timeout"
	ResultError     = "error"
)

// Release outcomes.
const (
	ResultReleased = "released"
	ResultNotOwner = "not_owner"
)

// Metrics holds the lock collectors. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional for library users.
type Metrics struct {
	Acquire   *prometheus.CounterVec
	Release   *prometheus.CounterVec
	Clear     prometheus.Counter
	LeaseLost prometheus.Counter
	Wait      prometheus.Histogram
}

// New creates the lock collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leaselock_acquire_total",
			Help: "Lock acquisition calls by outcome",
		}, []string{"result"}),
		Release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leaselock_release_total",
			Help: "Lock release calls by outcome",
		}, []string{"result"}),
		Clear: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaselock_clear_total",
			Help: "Administrative clears",
		}),
		LeaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leaselock_lease_lost_total",
			Help: "Leases observed lost by their holder",
		}),
		Wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leaselock_acquire_wait_seconds",
			Help:    "Time spent inside blocking acquisitions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Acquire, m.Release, m.Clear, m.LeaseLost, m.Wait)
	}
	return m
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ObserveAcquire counts one acquisition outcome.
func (m *Metrics) ObserveAcquire(result string) {
	if m == nil {
		return
	}
	m.Acquire.WithLabelValues(result).Inc()
}

// ObserveWait records the duration of a blocking acquisition.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.Wait.Observe(d.Seconds())
}

// ObserveRelease counts one release outcome.
func (m *Metrics) ObserveRelease(result string) {
	if m == nil {
		return
	}
	m.Release.WithLabelValues(result).Inc()
}

// ObserveClear counts an administrative clear.
func (m *Metrics) ObserveClear() {
	if m == nil {
		return
	}
	m.Clear.Inc()
}

// ObserveLeaseLost counts a lease its holder found taken or expired.
func (m *Metrics) ObserveLeaseLost() {
	if m == nil {
		return
	}
	m.LeaseLost.Inc()
}
