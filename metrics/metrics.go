// Package metrics defines a generic interface for collecting cachekit
// metrics, implementable by any monitoring backend (Prometheus,
// OpenTelemetry, Datadog, ...) without pulling that dependency into the
// core package.
package metrics

import "time"

// Collector records cachekit operations. Implementations must be safe for
// concurrent use.
type Collector interface {
	// RecordStorageOperation records a Storage call.
	// operation is "get", "put", "update", "remove", or "getMany"; backend is the
	// storage backend name (e.g. "memory", "redis", "leveldb"); result is
	// "hit", "miss", "success", or "error".
	RecordStorageOperation(operation, backend, result string, duration time.Duration)

	// RecordStorageSize records the current size of a backend in bytes.
	RecordStorageSize(backend string, sizeBytes int64)

	// RecordStorageEntries records the current entry count of a backend.
	RecordStorageEntries(backend string, count int64)

	// RecordRequest records a request processed by the Executor.
	// cacheStatus is "hit", "miss", "revalidated", or "bypass".
	RecordRequest(method, cacheStatus string, statusCode int, duration time.Duration)

	// RecordResponseSize records the size of a cached or fetched response.
	RecordResponseSize(cacheStatus string, sizeBytes int64)

	// RecordStaleServed records a stale-if-error or stale-while-revalidate
	// response being served; errorType describes why (e.g. "network",
	// "server_error", "timeout"). InstrumentedTransport cannot tell the
	// cause from the response and passes "served-stale".
	RecordStaleServed(errorType string)
}

// NoOpCollector implements Collector with no-op operations, giving zero
// overhead to callers who don't configure metrics.
type NoOpCollector struct{}

func (n *NoOpCollector) RecordStorageOperation(operation, backend, result string, duration time.Duration) {
}
func (n *NoOpCollector) RecordStorageSize(backend string, sizeBytes int64) {}
func (n *NoOpCollector) RecordStorageEntries(backend string, count int64)  {}
func (n *NoOpCollector) RecordRequest(method, cacheStatus string, statusCode int, duration time.Duration) {
}
func (n *NoOpCollector) RecordResponseSize(cacheStatus string, sizeBytes int64) {}
func (n *NoOpCollector) RecordStaleServed(errorType string)                     {}

// DefaultCollector is used when no collector has been configured.
var DefaultCollector Collector = &NoOpCollector{}

var _ Collector = (*NoOpCollector)(nil)
