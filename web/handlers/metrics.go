package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestTotal counts engine requests by entity, operation and response code.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexql_requests_total",
			Help: "Total number of query requests",
		},
		[]string{"entity", "action", "code"},
	)
	// RequestDuration is the latency of engine requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flexql_request_duration_seconds",
			Help:    "Query request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	// RateLimited counts requests rejected by rate limits.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexql_rate_limited_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"entity", "action"},
	)
)
