// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tableside_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tableside_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tableside_events_published_total",
		Help: "Domain events handed to the push channel, by event name.",
	}, []string{"event"})

	PushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tableside_pushes_dropped_total",
		Help: "Messages dropped because a session's send buffer was full.",
	})

	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tableside_relay_errors_total",
		Help: "Failures publishing to or decoding from the cross-instance relay.",
	})

	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tableside_realtime_sessions",
		Help: "Open push sessions.",
	})

	StaleWriteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tableside_stale_write_retries_total",
		Help: "Mutations retried after a conditional write lost a race.",
	}, []string{"operation"})
)
