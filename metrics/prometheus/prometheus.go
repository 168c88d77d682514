// Package prometheus provides a Prometheus implementation of
// metrics.Collector for cachekit. This package is optional and only
// imported when Prometheus metrics are needed.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachekit/cachekit/metrics"
)

// Collector implements metrics.Collector for Prometheus.
type Collector struct {
	storageOps       *prometheus.CounterVec
	storageOpLatency *prometheus.HistogramVec
	storageSize      *prometheus.GaugeVec
	storageEntries   *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	responseSize     *prometheus.CounterVec
	staleServed      *prometheus.CounterVec
}

// CollectorConfig configures the Prometheus collector.
type CollectorConfig struct {
	// Registry is the Prometheus registry to use. Defaults to
	// prometheus.DefaultRegisterer if nil.
	Registry prometheus.Registerer

	// Namespace for metrics (default: "cachekit").
	Namespace string

	// Subsystem for metrics (optional).
	Subsystem string

	// ConstLabels are labels added to all metrics.
	ConstLabels prometheus.Labels
}

// NewCollector creates a new Prometheus collector with default registry
// and configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(CollectorConfig{})
}

// NewCollectorWithRegistry creates a new Prometheus collector with a
// custom registry.
func NewCollectorWithRegistry(reg prometheus.Registerer) *Collector {
	return NewCollectorWithConfig(CollectorConfig{Registry: reg})
}

// NewCollectorWithConfig creates a new Prometheus collector with custom
// configuration.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.Namespace == "" {
		config.Namespace = "cachekit"
	}

	factory := promauto.With(config.Registry)

	return &Collector{
		storageOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "storage_operations_total",
				Help:        "Total number of Storage operations",
				ConstLabels: config.ConstLabels,
			},
			[]string{"operation", "backend", "result"},
		),
		storageOpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "storage_operation_duration_seconds",
				Help:        "Duration of Storage operations in seconds",
				Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
				ConstLabels: config.ConstLabels,
			},
			[]string{"operation", "backend"},
		),
		storageSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "storage_size_bytes",
				Help:        "Current size of the storage backend in bytes",
				ConstLabels: config.ConstLabels,
			},
			[]string{"backend"},
		),
		storageEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "storage_entries_total",
				Help:        "Current number of entries in the storage backend",
				ConstLabels: config.ConstLabels,
			},
			[]string{"backend"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "requests_total",
				Help:        "Total number of requests processed by the executor",
				ConstLabels: config.ConstLabels,
			},
			[]string{"method", "cache_status", "status_code"},
		),
		requestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "request_duration_seconds",
				Help:        "Duration of requests processed by the executor, in seconds",
				Buckets:     []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
				ConstLabels: config.ConstLabels,
			},
			[]string{"method", "cache_status"},
		),
		responseSize: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "response_size_bytes_total",
				Help:        "Total size of responses in bytes",
				ConstLabels: config.ConstLabels,
			},
			[]string{"cache_status"},
		),
		staleServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "stale_responses_served_total",
				Help:        "Total number of stale responses served on error or during revalidation",
				ConstLabels: config.ConstLabels,
			},
			[]string{"error_type"},
		),
	}
}

func (c *Collector) RecordStorageOperation(operation, backend, result string, duration time.Duration) {
	c.storageOps.WithLabelValues(operation, backend, result).Inc()
	c.storageOpLatency.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func (c *Collector) RecordStorageSize(backend string, sizeBytes int64) {
	c.storageSize.WithLabelValues(backend).Set(float64(sizeBytes))
}

func (c *Collector) RecordStorageEntries(backend string, count int64) {
	c.storageEntries.WithLabelValues(backend).Set(float64(count))
}

func (c *Collector) RecordRequest(method, cacheStatus string, statusCode int, duration time.Duration) {
	c.requests.WithLabelValues(method, cacheStatus, strconv.Itoa(statusCode)).Inc()
	c.requestLatency.WithLabelValues(method, cacheStatus).Observe(duration.Seconds())
}

func (c *Collector) RecordResponseSize(cacheStatus string, sizeBytes int64) {
	c.responseSize.WithLabelValues(cacheStatus).Add(float64(sizeBytes))
}

func (c *Collector) RecordStaleServed(errorType string) {
	c.staleServed.WithLabelValues(errorType).Inc()
}

var _ metrics.Collector = (*Collector)(nil)
