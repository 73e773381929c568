// Package metrics exposes the proxy's Prometheus counters and gauges:
// cache hit/miss/put/eviction, upstream health, policy decisions and
// session lifetime. Not part of the core state machines; every metric
// here is observed by a call from policy, cache, upstream or session.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Fallback cache lookups that found a cached response, by backend.",
	}, []string{"backend"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Fallback cache lookups that found nothing, by backend.",
	}, []string{"backend"})

	CachePuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "cache",
		Name:      "puts_total",
		Help:      "Cache entries installed after a successful search, by backend.",
	}, []string{"backend"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted from the bounded in-memory backend.",
	})

	UpstreamHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "upstream",
		Name:      "healthy",
		Help:      "1 if the upstream connection is Healthy, 0 if Unhealthy.",
	})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "upstream",
		Name:      "reconnects_total",
		Help:      "Successful upstream connects made by the reconnect loop.",
	})

	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Bind and search admission decisions, by operation and outcome.",
	}, []string{"operation", "decision"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ldap_fallback_proxy",
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Lifetime of a client connection from accept to close.",
		Buckets:   prometheus.DefBuckets,
	})
)

// ObserveSessionDuration records how long a session ran, from accept to
// close.
func ObserveSessionDuration(started time.Time) {
	SessionDuration.Observe(time.Since(started).Seconds())
}
