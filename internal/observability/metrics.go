package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "matches_total", Help: "Ride requests that found at least one candidate agent"})
	MatchesEmpty   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "matches_empty_total", Help: "Ride requests with no eligible agent nearby"})
	AgentsReported = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "agent_reports_total", Help: "Accepted agent location reports"})
	ReportsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "agent_reports_invalid_total", Help: "Rejected agent location reports"})

	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "fanout_published_total", Help: "Snapshots published to the location fanout"})
	FanoutDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridehail", Name: "fanout_dropped_total", Help: "Snapshots dropped from slow subscriber queues"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridehail", Name: "ride_transitions_total", Help: "Ride status transitions by target status and outcome"},
		[]string{"to", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridehail", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridehail",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
