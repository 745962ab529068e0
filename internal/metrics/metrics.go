package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_http_requests_total",
			Help: "Total number of webhook HTTP requests by response status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_http_request_duration_seconds",
			Help:    "Webhook HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SignatureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of rejected webhook signatures",
		},
		[]string{"code"},
	)

	// Event metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_event_processing_duration_seconds",
			Help:    "Time spent dispatching a webhook event",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 8},
		},
		[]string{"event_type"},
	)

	ProcessedCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_processed_cache_hits_total",
			Help: "Total number of replays answered from the processed-event cache",
		},
	)

	// Escalation and recovery metrics
	SupportTicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_tickets_created_total",
			Help: "Total number of support tickets opened",
		},
		[]string{"issue_type", "priority"},
	)

	RecoveryAttemptsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_recovery_attempts_created_total",
			Help: "Total number of payment recovery attempts scheduled",
		},
	)

	RecoveryAttemptsSettled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_recovery_attempts_settled_total",
			Help: "Total number of recovery attempts settled by a successful payment",
		},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downstream_publish_failures_total",
			Help: "Total number of downstream events that failed to publish",
		},
		[]string{"type"},
	)

	// Dependency health
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Whether a dependency answered its last health check",
		},
		[]string{"dependency"},
	)
)

// RecordHTTPRequest records a webhook HTTP request
func RecordHTTPRequest(method, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordEvent records the outcome of one event dispatch
func RecordEvent(eventType, outcome string, duration time.Duration) {
	EventsReceived.WithLabelValues(eventType, outcome).Inc()
	EventProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordDependency records the result of a dependency health check
func RecordDependency(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	DependencyUp.WithLabelValues(name).Set(v)
}
