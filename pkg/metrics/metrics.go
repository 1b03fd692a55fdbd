// Package metrics provides Prometheus metrics for tokmeter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokmeter"

// Collector holds all Prometheus metrics for tokmeter.
type Collector struct {
	// Ingestion metrics
	EventsReceived  *prometheus.CounterVec
	EventsStored    *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	ChannelDepth    prometheus.Gauge

	// Store metrics
	StoreRetries  prometheus.Counter
	StoreFailures prometheus.Counter
	FlushDuration prometheus.Histogram

	// Collector metrics
	MalformedRecords *prometheus.CounterVec
	FilesTailed      prometheus.Gauge

	// Proxy metrics
	ProxyRequests     *prometheus.CounterVec
	ProxyInFlight     prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UsageExtractions  *prometheus.CounterVec
	DebugEntriesDrops prometheus.Counter
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector on a custom registry. Tests pass a fresh
// registry to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Usage events received from collectors",
			},
			[]string{"source"},
		),
		EventsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_stored_total",
				Help:      "Usage events appended to the store",
			},
			[]string{"source"},
		),
		EventsDuplicate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_duplicate_total",
				Help:      "Usage events ignored because their source id was already stored",
			},
			[]string{"source"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Usage events dropped because the aggregator did not accept them before the shutdown deadline",
			},
			[]string{"source"},
		),
		ChannelDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ingest_channel_depth",
				Help:      "Messages waiting in the aggregator channel",
			},
		),
		StoreRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Store write attempts that failed and were retried",
			},
		),
		StoreFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Flush cycles that failed after all retries",
			},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Duration of aggregator flushes",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		MalformedRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_records_total",
				Help:      "Input records skipped because they could not be parsed",
			},
			[]string{"collector"},
		),
		FilesTailed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "files_tailed",
				Help:      "Session log files currently followed",
			},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Requests forwarded upstream",
			},
			[]string{"method", "status"},
		),
		ProxyInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_requests_in_flight",
				Help:      "Proxied requests not yet completed",
			},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Time until the upstream response body completed",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		UsageExtractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_extractions_total",
				Help:      "Outcomes of extracting usage from proxied responses",
			},
			[]string{"outcome"},
		),
		DebugEntriesDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "debug_entries_dropped_total",
				Help:      "Debug log entries dropped because the queue was full",
			},
		),
	}
}

// StatusClass buckets an HTTP status into 2xx/3xx/4xx/5xx.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
