package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
)

// Metrics holds the service's Prometheus metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	AttributeFetches *prometheus.CounterVec
	Invalidations    *prometheus.CounterVec
	AuditDropsTotal  prometheus.Counter
	RateLimited      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edunexia_authz",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "decisions_total",
				Help:      "Authorization decisions by check, result and reason",
			},
			[]string{"check", "result", "reason"},
		),
		DecisionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edunexia_authz",
				Name:      "decision_duration_seconds",
				Help:      "Time to answer an authorization check",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .25, .5, 1, 3},
			},
			[]string{"check"},
		),
		AttributeFetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "attribute_fetches_total",
				Help:      "Attribute lookups sent to the billing source, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		Invalidations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "invalidations_total",
				Help:      "Cache invalidations applied, by kind and origin",
			},
			[]string{"kind", "origin"}, // origin=local/remote
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
		RateLimited: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "edunexia_authz",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}
}

// ObserveDecision records one answered check.
func (m *Metrics) ObserveDecision(check string, allowed bool, reason string, elapsed time.Duration) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.Decisions.WithLabelValues(check, result, reason).Inc()
	m.DecisionDuration.WithLabelValues(check).Observe(elapsed.Seconds())
}

// InstrumentSource counts lookups that reach next by outcome.
func (m *Metrics) InstrumentSource(next attribute.Source) attribute.Source {
	return attribute.SourceFunc(func(ctx context.Context, t attribute.Target) attribute.Result {
		res := next.Resolve(ctx, t)
		m.AttributeFetches.WithLabelValues(string(t.Kind), res.Outcome.String()).Inc()
		return res
	})
}
