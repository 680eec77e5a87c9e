package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castcue_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// EventSub ingestion
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castcue_webhook_events_total",
			Help: "EventSub messages received, by message type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Dispatch
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castcue_deliveries_total",
			Help: "Publish attempts recorded as deliveries",
		},
		[]string{"channel", "status"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castcue_publish_duration_seconds",
			Help:    "Latency of a single publish call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"channel"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castcue_fallbacks_total",
			Help: "Announcements routed to Discord instead of X",
		},
		[]string{"reason"},
	)

	DeliveryRecordErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castcue_delivery_record_errors_total",
			Help: "Delivery rows that could not be written after a publish attempt",
		},
	)

	// Quota
	QuotaConsume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castcue_quota_consume_total",
			Help: "Quota consumption attempts by result",
		},
		[]string{"result"}, // granted, denied, error
	)

	QuotaResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castcue_quota_resets_total",
			Help: "User quota rows rolled over to a new period",
		},
	)

	// Sampler
	SamplerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castcue_sampler_run_duration_seconds",
			Help:    "Duration of a full viewer sampling pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	SamplerStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castcue_sampler_streams_total",
			Help: "Streams visited by the sampler by outcome",
		},
		[]string{"outcome"}, // sampled, ended, skipped, failed
	)

	// Links
	LinksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castcue_links_created_total",
			Help: "Short links created",
		},
	)

	LinkClicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castcue_link_clicks_total",
			Help: "Short link redirects served",
		},
	)

	// Upstream APIs
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castcue_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

func RecordWebhookEvent(messageType, outcome string) {
	WebhookEvents.WithLabelValues(messageType, outcome).Inc()
}

func RecordDelivery(channel, status string, latency time.Duration) {
	Deliveries.WithLabelValues(channel, status).Inc()
	PublishDuration.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordFallback(reason string) {
	Fallbacks.WithLabelValues(reason).Inc()
}

func RecordQuotaConsume(granted bool, err error) {
	switch {
	case err != nil:
		QuotaConsume.WithLabelValues("error").Inc()
	case granted:
		QuotaConsume.WithLabelValues("granted").Inc()
	default:
		QuotaConsume.WithLabelValues("denied").Inc()
	}
}

func RecordSamplerStream(outcome string) {
	SamplerStreams.WithLabelValues(outcome).Inc()
}
