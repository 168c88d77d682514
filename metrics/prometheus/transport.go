package prometheus

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cachekit/cachekit"
	"github.com/cachekit/cachekit/metrics"
)

// InstrumentedTransport wraps a cachekit.Executor as an http.RoundTripper,
// recording Prometheus metrics for every request it processes.
type InstrumentedTransport struct {
	underlying *cachekit.Executor
	collector  metrics.Collector
}

// NewInstrumentedTransport creates a transport that records metrics for
// every request routed through executor. If collector is nil,
// metrics.DefaultCollector is used.
func NewInstrumentedTransport(executor *cachekit.Executor, collector metrics.Collector) *InstrumentedTransport {
	if collector == nil {
		collector = metrics.DefaultCollector
	}
	return &InstrumentedTransport{underlying: executor, collector: collector}
}

// RoundTrip executes req through the wrapped Executor, recording request
// duration, cache status, and response size.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.underlying.Execute(req)
	duration := time.Since(start)

	if err != nil {
		return resp, err
	}

	cacheStatus := "miss"
	switch {
	case resp.Header.Get(cachekit.HeaderRevalidated) == "1":
		cacheStatus = "revalidated"
	case resp.Header.Get(cachekit.HeaderFromCache) == "1":
		cacheStatus = "hit"
	}
	if resp.Header.Get(cachekit.HeaderStale) == "1" {
		t.collector.RecordStaleServed("served-stale")
	}

	t.collector.RecordRequest(req.Method, cacheStatus, resp.StatusCode, duration)

	if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
		if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
			t.collector.RecordResponseSize(cacheStatus, size)
		}
	}

	return resp, nil
}

// Client returns an http.Client using the instrumented transport.
func (t *InstrumentedTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

var _ http.RoundTripper = (*InstrumentedTransport)(nil)
