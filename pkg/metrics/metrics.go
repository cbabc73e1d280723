// Package metrics holds the control plane's Prometheus catalogue: container
// counts by state, Ensure/acquire latency histograms, cache and breaker
// gauges, and the Reaper's sweep counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/cuemby/esb/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal tracks live container records by function and state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esb_containers_total",
			Help: "Container records tracked by the LifecycleStore, by function and state",
		},
		[]string{"function", "state"},
	)

	// CircuitBreakerState reports each function's breaker state as a gauge:
	// 0=CLOSED, 1=OPEN, 2=HALF_OPEN.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esb_circuit_breaker_state",
			Help: "Circuit breaker state per function (0=closed,1=open,2=half_open)",
		},
		[]string{"function"},
	)

	// EnsureTotal counts Ensure RPC outcomes by function and path taken.
	EnsureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esb_ensure_total",
			Help: "Ensure RPC calls by function and outcome (warm, resumed, coalesced, cold, at_capacity, error)",
		},
		[]string{"function", "outcome"},
	)

	// EnsureDuration times the Ensure RPC end to end.
	EnsureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esb_ensure_duration_seconds",
			Help:    "Ensure RPC duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"function"},
	)

	// PoolAcquireDuration times ContainerPool.Acquire.
	PoolAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esb_pool_acquire_duration_seconds",
			Help:    "ContainerPool acquire wait time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	// PoolWaitersCurrent reports the current FIFO waiter queue depth.
	PoolWaitersCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esb_pool_waiters_current",
			Help: "Current number of acquirers waiting on a function's pool",
		},
		[]string{"function"},
	)

	// CacheHitsTotal / CacheMissesTotal track ContainerHostCache effectiveness.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esb_cache_hits_total",
			Help: "ContainerHostCache hits by function",
		},
		[]string{"function"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esb_cache_misses_total",
			Help: "ContainerHostCache misses by function",
		},
		[]string{"function"},
	)

	// ReaperCyclesTotal counts completed Reaper sweeps.
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "esb_reaper_cycles_total",
			Help: "Completed Reaper sweep cycles",
		},
	)

	// ReaperTeardownsTotal counts containers torn down by the Reaper, by reason.
	ReaperTeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esb_reaper_teardowns_total",
			Help: "Containers torn down by the Reaper, by reason (idle, stuck)",
		},
		[]string{"function", "reason"},
	)

	// ReaperDuration times a Reaper sweep.
	ReaperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "esb_reaper_duration_seconds",
			Help:    "Reaper sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AdoptSyncAdoptedTotal / AdoptSyncRemovedTotal record the one-shot
	// restart-recovery outcome.
	AdoptSyncAdoptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "esb_adoptsync_adopted_total",
			Help: "Containers adopted into the LifecycleStore by the last AdoptSync run",
		},
	)

	AdoptSyncRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "esb_adoptsync_removed_total",
			Help: "Containers removed as orphans by the last AdoptSync run",
		},
	)

	// InvocationsTotal counts proxied invocations by function and result.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esb_invocations_total",
			Help: "Proxied invocations by function and result (success, upstream_5xx, timeout, network_error)",
		},
		[]string{"function", "result"},
	)

	// InvocationDuration times a proxied invocation.
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esb_invocation_duration_seconds",
			Help:    "Proxied invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	// HeartbeatsSentTotal counts HeartbeatJanitor reports.
	HeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "esb_heartbeats_sent_total",
			Help: "Heartbeat reports sent by the Gateway's HeartbeatJanitor",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		CircuitBreakerState,
		EnsureTotal,
		EnsureDuration,
		PoolAcquireDuration,
		PoolWaitersCurrent,
		CacheHitsTotal,
		CacheMissesTotal,
		ReaperCyclesTotal,
		ReaperTeardownsTotal,
		ReaperDuration,
		AdoptSyncAdoptedTotal,
		AdoptSyncRemovedTotal,
		InvocationsTotal,
		InvocationDuration,
		HeartbeatsSentTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// BreakerStateValue maps a types.BreakerState to the gauge value convention
// used by CircuitBreakerState (0=closed, 1=open, 2=half_open).
func BreakerStateValue(s types.BreakerState) float64 {
	switch s {
	case types.BreakerOpen:
		return 1
	case types.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}
