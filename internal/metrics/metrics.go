package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Intake and delivery counters. Scraped from GET /metrics.
var (
	accepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_accepted_total",
		Help: "Envelopes accepted by the intake endpoint",
	}, []string{"channel", "status"})

	duplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_duplicate_total",
		Help: "Submissions rejected as exact duplicates",
	}, []string{"channel"})

	invalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_invalid_total",
		Help: "Submissions failing envelope or payload validation",
	}, []string{"channel"})

	processed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_processed_total",
		Help: "Envelopes written to the outbox table",
	}, []string{"channel"})

	delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_delivered_total",
		Help: "Rows delivered upstream by the worker",
	}, []string{"channel"})

	deliveryFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_delivery_failures_total",
		Help: "Failed upstream delivery attempts",
	}, []string{"channel"})

	intakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_processing_seconds",
		Help:    "Wall-clock intake handling latency",
		Buckets: prometheus.DefBuckets,
	})
)

func IncAccepted(channel, status string) { accepted.WithLabelValues(channel, status).Inc() }
func IncDuplicate(channel string)        { duplicate.WithLabelValues(channel).Inc() }
func IncInvalid(channel string)          { invalid.WithLabelValues(channel).Inc() }
func IncProcessed(channel string)        { processed.WithLabelValues(channel).Inc() }
func IncDelivered(channel string)        { delivered.WithLabelValues(channel).Inc() }
func IncDeliveryFailed(channel string)   { deliveryFailed.WithLabelValues(channel).Inc() }

func ObserveIntakeLatency(seconds float64) { intakeLatency.Observe(seconds) }

// Handler serves the textual counter dump.
func Handler() http.Handler {
	return promhttp.Handler()
}
