// Package metrics holds the service's Prometheus collectors. They register on
// the default registry at init and are exposed by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lookbook"

// Generation outcome labels.
const (
	OutcomeDelivered    = "delivered"
	OutcomeFailed       = "failed"
	OutcomeTimeout      = "timeout"
	OutcomeInsufficient = "insufficient_credits"
)

var (
	// HTTPRequests counts API responses by route template and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPLatency observes API latency by route template.
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Request latency",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	// Generations counts artifacts by request kind and outcome.
	Generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generations_total",
		Help:      "Generated artifacts by request kind and outcome",
	}, []string{"kind", "outcome"})

	// GenerationDuration observes create+poll+download time per artifact.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Time from task creation to a downloaded artifact",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	// CreditsSpent counts credits debited for delivered artifacts.
	CreditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credits_spent_total",
		Help:      "Credits debited for delivered artifacts",
	})

	// Reconciliations counts payment checks by outcome.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_reconciliations_total",
		Help:      "Payment status checks by outcome",
	}, []string{"outcome"})
)
