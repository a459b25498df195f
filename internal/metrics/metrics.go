// Package metrics holds the Prometheus collectors shared by the API process.
//
// Labels are kept to bounded sets: route templates, event vocabularies,
// task types and outcomes. Tenant and call ids never become labels.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// CallEvents counts provider events by normalized type and what the state machine did with them.
	CallEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_events_total",
			Help: "Provider call events by type and outcome (applied, ignored, backfilled, not_found).",
		},
		[]string{"event", "outcome"},
	)

	// CallPlacements counts outbound placement attempts by provider and result.
	CallPlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_placements_total",
			Help: "Outbound call placement attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// Settlements counts billing settlements by result (settled, already_settled, config_error, failed).
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_settlements_total",
			Help: "Billing settlements by result.",
		},
		[]string{"result"},
	)

	// DeadLetters counts dead-letter activity by task type and action
	// (recorded, record_failed, resolved, failed, abandoned).
	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Dead-letter entries by task type and action.",
		},
		[]string{"task_type", "action"},
	)

	// DialerQueues gauges loaded dialer queues in this process.
	DialerQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dialer_queues_loaded",
			Help: "Number of dialer queues currently loaded in this process.",
		},
	)

	// WebhookRequests counts provider webhooks by provider, kind and result.
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Provider webhooks by provider, kind and result.",
		},
		[]string{"provider", "kind", "result"},
	)

	// AnalysisSubmissions counts recording handoffs to the analysis pipeline by result.
	AnalysisSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_submissions_total",
			Help: "Recording analysis submissions by result (accepted, failed).",
		},
		[]string{"result"},
	)

	// RealtimePublishes counts call change fan-out to Redis by result.
	RealtimePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_publishes_total",
			Help: "Realtime change publishes by result.",
		},
		[]string{"result"},
	)

	// RealtimeConnections gauges open dashboard websockets.
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime websocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight,
		CallEvents, CallPlacements, Settlements, DeadLetters, DialerQueues, WebhookRequests,
		AnalysisSubmissions, RealtimePublishes, RealtimeConnections,
	)
}

// Middleware instruments requests with Prometheus.
// The path label uses the registered route (c.FullPath()) and falls back to the raw path on 404.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpReqs.WithLabelValues(method, path, status).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
