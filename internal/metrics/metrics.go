// Package metrics provides Prometheus collectors for the coordinator, the
// token cache and the security-context manager.
//
// Collectors are registered on an injected registry; a nil *Metrics is a
// valid no-op recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authcoord"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds every collector.
type Metrics struct {
	authAttempts    *prometheus.CounterVec
	authDuration    *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	validations     *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionsCleaned prometheus.Counter

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	cacheExpirations prometheus.Counter
	cacheSize        prometheus.Gauge
	cacheLatency     prometheus.Histogram

	contextsCreated    prometheus.Counter
	contextsPropagated prometheus.Counter
	contextsExpired    *prometheus.CounterVec
	securityViolations *prometheus.CounterVec
	activeContexts     prometheus.Gauge
	auditEntries       prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Total number of authentication attempts",
		}, []string{"provider", "outcome"}),
		authDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authentication_duration_seconds",
			Help:      "Authentication duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Total number of credential refresh attempts",
		}, []string{"provider", "outcome"}),
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of credential validations",
		}, []string{"provider", "outcome"}),
		revocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Total number of session revocations",
		}, []string{"outcome"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of authentications rejected by the rate limiter",
		}, []string{"provider"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live sessions",
		}),
		sessionsCleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_cleaned_total",
			Help:      "Total number of sessions removed by cleanup",
		}),

		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Token cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Token cache misses",
		}),
		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Token cache LRU evictions",
		}),
		cacheExpirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Token cache entries removed after their TTL elapsed",
		}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of entries in the token cache",
		}),
		cacheLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "access_duration_seconds",
			Help:      "Token cache access latency in seconds",
			Buckets:   []float64{.000001, .00001, .0001, .001, .01},
		}),

		contextsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "created_total",
			Help:      "Security contexts created",
		}),
		contextsPropagated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "propagated_total",
			Help:      "Successful security context propagations",
		}),
		contextsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "expired_total",
			Help:      "Security contexts removed",
		}, []string{"reason"}),
		securityViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "violations_total",
			Help:      "Denied security context accesses",
		}, []string{"type"}),
		activeContexts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "active",
			Help:      "Number of live security contexts",
		}),
		auditEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "audit_entries",
			Help:      "Number of retained audit entries",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RecordAuthentication records an authentication attempt and its duration.
func (m *Metrics) RecordAuthentication(provider string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(provider, outcome(ok)).Inc()
	m.authDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordRefresh(provider string, ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(provider, outcome(ok)).Inc()
}

func (m *Metrics) RecordValidation(provider string, ok bool) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(provider, outcome(ok)).Inc()
}

func (m *Metrics) RecordRevocation(ok bool) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) RecordRateLimited(provider string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionsCleaned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsCleaned.Add(float64(n))
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) RecordCacheExpirations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheExpirations.Add(float64(n))
}

func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

func (m *Metrics) ObserveCacheLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordContextCreated() {
	if m == nil {
		return
	}
	m.contextsCreated.Inc()
}

func (m *Metrics) RecordContextPropagated() {
	if m == nil {
		return
	}
	m.contextsPropagated.Inc()
}

func (m *Metrics) RecordContextExpired(reason string) {
	if m == nil {
		return
	}
	m.contextsExpired.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSecurityViolation(kind string) {
	if m == nil {
		return
	}
	m.securityViolations.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveContexts(n int) {
	if m == nil {
		return
	}
	m.activeContexts.Set(float64(n))
}

func (m *Metrics) SetAuditEntries(n int) {
	if m == nil {
		return
	}
	m.auditEntries.Set(float64(n))
}
