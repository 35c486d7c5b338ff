package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)

	m.ObserveAcquire(ResultAcquired)
	m.ObserveAcquire(ResultAcquired)
	m.ObserveAcquire(ResultContended)
	m.ObserveRelease(ResultNotOwner)
	m.ObserveClear()
	m.ObserveLeaseLost()
	m.ObserveWait(250 * time.Millisecond)

	if got := testutil.ToFloat64(m.Acquire.WithLabelValues(ResultAcquired)); got != 2 {
		t.Errorf("acquire{acquired} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Acquire.WithLabelValues(ResultContended)); got != 1 {
		t.Errorf("acquire{contended} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Release.WithLabelValues(ResultNotOwner)); got != 1 {
		t.Errorf("release{not_owner} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Clear); got != 1 {
		t.Errorf("clear = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LeaseLost); got != 1 {
		t.Errorf("lease_lost = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	// two acquire series, one each for release, clear, lease lost and wait
	if n != 6 {
		t.Errorf("gathered series = %d, want 6", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAcquire(ResultAcquired)
	m.ObserveRelease(ResultReleased)
	m.ObserveClear()
	m.ObserveLeaseLost()
	m.ObserveWait(time.Second)
}
