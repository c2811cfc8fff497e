package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "packageserver"

	metricLabelOperation = "operation"
	metricLabelStatus    = "status"
	metricLabelSource    = "source"
	metricLabelKind      = "kind"
)

// Metrics is the structure that holds all prometheus metrics
var (
	// ResolveRequestCounter counts resolution requests per operation and serving source
	ResolveRequestCounter = newCounterVec(
		"resolve_request_count",
		"Count of resolution requests per operation, serving source and status",
		metricLabelOperation, metricLabelSource, metricLabelStatus,
	)
	// ResolveRequestDuration observes the duration of resolution requests
	ResolveRequestDuration = newSummaryVec(
		"resolve_request_duration_seconds",
		"Seconds to resolve a request including any upstream fill",
		metricLabelOperation, metricLabelStatus,
	)
	// UpstreamRequestCounter counts requests made against the upstream index
	UpstreamRequestCounter = newCounterVec(
		"upstream_request_count",
		"Count of requests against the upstream index per operation and status",
		metricLabelOperation, metricLabelStatus,
	)
	// UpstreamRequestDuration observes the duration of upstream requests
	UpstreamRequestDuration = newSummaryVec(
		"upstream_request_duration_seconds",
		"Seconds spent fetching from the upstream index",
		metricLabelOperation,
	)
	// CacheFillCounter counts cache fills per kind (metadata, archive)
	CacheFillCounter = newCounterVec(
		"cache_fill_count",
		"Number of cache fills per kind and status",
		metricLabelKind, metricLabelStatus,
	)
	// StaleFallbackCounter counts responses served from stale cache after an upstream failure
	StaleFallbackCounter = newCounterVec(
		"stale_fallback_count",
		"Number of responses served from stale cache because the upstream index failed",
	)
	// PublishCounter counts publish attempts
	PublishCounter = newCounterVec(
		"publish_count",
		"Number of publish attempts per status",
		metricLabelStatus,
	)
)

func newSummaryVec(name, help string, labels ...string) *prometheus.SummaryVec {
	vec := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}
