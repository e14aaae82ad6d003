package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuthzMetrics exposes collectors for the permission evaluation engine. All
// methods are safe on a nil receiver.
type AuthzMetrics struct {
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkErrors   *prometheus.CounterVec
	activeChecks  prometheus.Gauge
	lookups       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	breakerState  *prometheus.GaugeVec
	breakerTrans  *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	invalidated   prometheus.Counter
}

// NewAuthzMetrics registers the engine collectors against registerer.
func NewAuthzMetrics(registerer prometheus.Registerer) *AuthzMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &AuthzMetrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_checks_total",
			Help: "Permission checks by answering tier and outcome.",
		}, []string{"tier", "outcome"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_authz_check_duration_seconds",
			Help:    "Permission check latency by answering tier.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"tier"}),
		checkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_check_errors_total",
			Help: "Permission checks that ended in an error, by kind.",
		}, []string{"kind"}),
		activeChecks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odyssey_authz_active_checks",
			Help: "Permission checks currently in flight.",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_lookups_total",
			Help: "Matrix and decision cache lookups by layer and result.",
		}, []string{"layer", "result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "odyssey_authz_batch_items",
			Help:    "Items per batch check.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_authz_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		breakerTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"dependency", "from", "to"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_invalidations_total",
			Help: "Per-subject invalidations by result.",
		}, []string{"result"}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_authz_invalidated_keys_total",
			Help: "Decision cache keys removed by invalidation.",
		}),
	}
	registerer.MustRegister(m.checks, m.checkDuration, m.checkErrors, m.activeChecks, m.lookups,
		m.batchSize, m.breakerState, m.breakerTrans, m.invalidations, m.invalidated)
	return m
}

// ObserveCheck records a completed check.
func (m *AuthzMetrics) ObserveCheck(tier string, allowed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.checks.WithLabelValues(tier, outcome).Inc()
	m.checkDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// CheckError records a failed check.
func (m *AuthzMetrics) CheckError(kind string) {
	if m == nil {
		return
	}
	m.checkErrors.WithLabelValues(kind).Inc()
}

// CheckStarted increments the in-flight gauge and returns its decrement.
func (m *AuthzMetrics) CheckStarted() func() {
	if m == nil {
		return func() {}
	}
	m.activeChecks.Inc()
	return m.activeChecks.Dec
}

// Lookup records a matrix or decision cache lookup.
func (m *AuthzMetrics) Lookup(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(layer, result).Inc()
}

// BatchSize records the size of a batch check.
func (m *AuthzMetrics) BatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// BreakerStateChanged records a circuit breaker transition.
func (m *AuthzMetrics) BreakerStateChanged(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTrans.WithLabelValues(name, from, to).Inc()
	m.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

// Invalidation records the outcome of a fan-out.
func (m *AuthzMetrics) Invalidation(succeeded, failed, keys int) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues("success").Add(float64(succeeded))
	m.invalidations.WithLabelValues("failure").Add(float64(failed))
	m.invalidated.Add(float64(keys))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	}
	return 0
}
