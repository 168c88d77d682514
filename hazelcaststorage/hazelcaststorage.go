// Package hazelcaststorage provides a cachekit.Storage implementation
// backed by a Hazelcast IMap, using PutIfAbsent/ReplaceIfSame for
// compare-and-swap updates.
package hazelcaststorage

import (
	"context"
	"fmt"

	"github.com/hazelcast/hazelcast-go-client"

	"github.com/cachekit/cachekit"
)

// Storage is a cachekit.Storage implementation backed by a Hazelcast
// distributed map.
type Storage struct {
	m   *hazelcast.Map
	ctx context.Context
}

func cacheKey(key string) string {
	return "cachekit:" + key
}

// NewWithMap returns a new Storage over m.
func NewWithMap(m *hazelcast.Map) *Storage {
	return &Storage{m: m, ctx: context.Background()}
}

// NewWithMapAndContext returns a new Storage over m, using ctx as the
// fallback context for calls that receive a nil one.
func NewWithMapAndContext(ctx context.Context, m *hazelcast.Map) *Storage {
	return &Storage{m: m, ctx: ctx}
}

func (s *Storage) fallback(ctx context.Context) context.Context {
	if ctx == nil {
		return s.ctx
	}
	return ctx
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	ctx = s.fallback(ctx)

	val, err := s.m.Get(ctx, cacheKey(key))
	if err != nil {
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: err}
	}
	if val == nil {
		return nil, false, nil
	}
	data, ok := val.([]byte)
	if !ok {
		return nil, false, nil
	}
	entry, err := cachekit.UnmarshalEntry(data)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	ctx = s.fallback(ctx)

	data, err := cachekit.MarshalEntry(entry)
	if err != nil {
		return err
	}
	if err := s.m.Set(ctx, cacheKey(key), data); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Update implements the CAS contract with Hazelcast's native
// PutIfAbsent (key absent) and ReplaceIfSame (key present) primitives,
// retrying when either loses its race to a concurrent writer.
func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	ctx = s.fallback(ctx)
	fullKey := cacheKey(key)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		val, err := s.m.Get(ctx, fullKey)
		if err != nil {
			return &cachekit.StorageIoError{Op: "update/get", Key: key, Err: err}
		}

		var current *cachekit.CacheEntry
		var currentData []byte
		if val != nil {
			currentData, _ = val.([]byte)
			current, err = cachekit.UnmarshalEntry(currentData)
			if err != nil {
				return err
			}
		}

		next, ok := f(current)
		if !ok {
			return nil
		}
		encoded, err := cachekit.MarshalEntry(next)
		if err != nil {
			return err
		}

		if val == nil {
			prev, err := s.m.PutIfAbsent(ctx, fullKey, encoded)
			if err != nil {
				return &cachekit.StorageIoError{Op: "update/putIfAbsent", Key: key, Err: err}
			}
			if prev == nil {
				return nil
			}
			continue // someone else inserted first; retry
		}

		replaced, err := s.m.ReplaceIfSame(ctx, fullKey, currentData, encoded)
		if err != nil {
			return &cachekit.StorageIoError{Op: "update/replaceIfSame", Key: key, Err: err}
		}
		if replaced {
			return nil
		}
		// lost the race; retry
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: fmt.Errorf("exceeded CAS retry limit")}
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	ctx = s.fallback(ctx)
	if _, err := s.m.Remove(ctx, cacheKey(key)); err != nil {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	out := make(map[string]*cachekit.CacheEntry, len(keys))
	for _, k := range keys {
		entry, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = entry
		}
	}
	return out, nil
}
