// Package metricsstorage wraps a cachekit.Storage with metrics recording
// for every operation, independent of which metrics backend is plugged in.
package metricsstorage

import (
	"context"
	"time"

	"github.com/cachekit/cachekit"
	"github.com/cachekit/cachekit/metrics"
)

const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultSuccess = "success"
	resultError   = "error"
)

// Storage wraps an underlying cachekit.Storage, recording metrics for
// every Get/Put/Update/Remove call against a named backend.
type Storage struct {
	underlying cachekit.Storage
	collector  metrics.Collector
	backend    string
}

// New wraps storage with metrics recording under the given backend name
// (e.g. "redis", "leveldb"). If collector is nil, metrics.DefaultCollector
// is used.
func New(storage cachekit.Storage, backend string, collector metrics.Collector) *Storage {
	if collector == nil {
		collector = metrics.DefaultCollector
	}
	return &Storage{underlying: storage, collector: collector, backend: backend}
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	start := time.Now()
	entry, ok, err := s.underlying.Get(ctx, key)
	duration := time.Since(start)

	result := resultMiss
	switch {
	case err != nil:
		result = resultError
	case ok:
		result = resultHit
	}
	s.collector.RecordStorageOperation("get", s.backend, result, duration)

	return entry, ok, err
}

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	start := time.Now()
	err := s.underlying.Put(ctx, key, entry)
	duration := time.Since(start)

	result := resultSuccess
	if err != nil {
		result = resultError
	}
	s.collector.RecordStorageOperation("put", s.backend, result, duration)

	return err
}

func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	start := time.Now()
	err := s.underlying.Update(ctx, key, f)
	duration := time.Since(start)

	result := resultSuccess
	if err != nil {
		result = resultError
	}
	s.collector.RecordStorageOperation("update", s.backend, result, duration)

	return err
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := s.underlying.Remove(ctx, key)
	duration := time.Since(start)

	result := resultSuccess
	if err != nil {
		result = resultError
	}
	s.collector.RecordStorageOperation("remove", s.backend, result, duration)

	return err
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	start := time.Now()
	entries, err := s.underlying.GetMany(ctx, keys)
	duration := time.Since(start)

	result := resultSuccess
	if err != nil {
		result = resultError
	}
	s.collector.RecordStorageOperation("getMany", s.backend, result, duration)

	return entries, err
}

var _ cachekit.Storage = (*Storage)(nil)
