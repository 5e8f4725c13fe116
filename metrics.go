package authrelay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the Prometheus instruments. A nil receiver (metrics
// disabled) turns every record call into a no-op.
type engineMetrics struct {
	tokenValidations   *prometheus.CounterVec
	authzDecisions     *prometheus.CounterVec
	authzLatency       prometheus.Histogram
	mfaChallenges      *prometheus.CounterVec
	magicLinks         *prometheus.CounterVec
	rateLimitHits      prometheus.Counter
	cacheInvalidations prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &engineMetrics{
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "token_validations_total",
			Help:      "Token validation outcomes by source and verdict.",
		}, []string{"source", "valid"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by source and verdict.",
		}, []string{"source", "allowed"}),
		authzLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authrelay",
			Name:      "authz_decision_seconds",
			Help:      "Latency of policy-service round trips.",
			Buckets:   prometheus.DefBuckets,
		}),
		mfaChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "mfa_challenges_total",
			Help:      "MFA challenge outcomes by method type and result.",
		}, []string{"method", "result"}),
		magicLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "magic_links_total",
			Help:      "Magic link operations by kind and result.",
		}, []string{"op", "result"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by a rate-limit window.",
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authrelay",
			Name:      "token_cache_invalidations_total",
			Help:      "Cached token validations dropped by bulk invalidation.",
		}),
	}

	reg.MustRegister(
		m.tokenValidations,
		m.authzDecisions,
		m.authzLatency,
		m.mfaChallenges,
		m.magicLinks,
		m.rateLimitHits,
		m.cacheInvalidations,
	)
	return m
}

func (m *engineMetrics) recordTokenValidation(source string, valid bool) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(source, boolLabel(valid)).Inc()
}

func (m *engineMetrics) recordAuthzDecision(source string, allowed bool, seconds float64) {
	if m == nil {
		return
	}
	m.authzDecisions.WithLabelValues(source, boolLabel(allowed)).Inc()
	if seconds > 0 {
		m.authzLatency.Observe(seconds)
	}
}

func (m *engineMetrics) recordMFAChallenge(method MethodType, result string) {
	if m == nil {
		return
	}
	m.mfaChallenges.WithLabelValues(string(method), result).Inc()
}

func (m *engineMetrics) recordMagicLink(op, result string) {
	if m == nil {
		return
	}
	m.magicLinks.WithLabelValues(op, result).Inc()
}

func (m *engineMetrics) recordRateLimitHit() {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
}

func (m *engineMetrics) recordCacheInvalidations(n int) {
	if m == nil {
		return
	}
	m.cacheInvalidations.Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
