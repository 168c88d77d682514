// Package memcachestorage provides a cachekit.Storage implementation that
// caches entries in a memcache server via github.com/bradfitz/gomemcache.
package memcachestorage

import (
	"context"
	"fmt"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/cachekit/cachekit"
)

// Storage is a cachekit.Storage implementation over memcache. Update uses
// memcache's native CompareAndSwap, keyed off the CAS token returned by
// Get, which is the backend's own optimistic-concurrency primitive.
type Storage struct {
	client *memcache.Client
}

func cacheKey(key string) string {
	return "cachekit:" + key
}

// New returns a new Storage using the provided memcache server(s) with
// equal weight.
func New(server ...string) *Storage {
	return NewWithClient(memcache.New(server...))
}

// NewWithClient returns a new Storage with the given memcache client.
func NewWithClient(client *memcache.Client) *Storage {
	return &Storage{client: client}
}

func (s *Storage) Get(_ context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	item, err := s.client.Get(cacheKey(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, false, nil
		}
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: err}
	}
	entry, err := cachekit.UnmarshalEntry(item.Value)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Storage) Put(_ context.Context, key string, e *cachekit.CacheEntry) error {
	data, err := cachekit.MarshalEntry(e)
	if err != nil {
		return err
	}
	item := &memcache.Item{Key: cacheKey(key), Value: data}
	if err := s.client.Set(item); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("memcache set failed for key %q: %w", key, err)}
	}
	return nil
}

// Update implements the CAS contract with memcache's native
// CompareAndSwap, which rejects the write with ErrCASConflict if the
// item's CAS token moved since the preceding Get. Absent keys are
// inserted with Add, which fails with ErrNotStored if another writer
// created the key first.
func (s *Storage) Update(_ context.Context, key string, f cachekit.UpdateFunc) error {
	fullKey := cacheKey(key)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		item, err := s.client.Get(fullKey)

		var current *cachekit.CacheEntry
		exists := true
		switch {
		case err == memcache.ErrCacheMiss:
			exists = false
		case err != nil:
			return &cachekit.StorageIoError{Op: "update/get", Key: key, Err: err}
		default:
			current, err = cachekit.UnmarshalEntry(item.Value)
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

		if !exists {
			err := s.client.Add(&memcache.Item{Key: fullKey, Value: encoded})
			if err == memcache.ErrNotStored {
				continue // someone else created it first; retry
			}
			if err != nil {
				return &cachekit.StorageIoError{Op: "update/add", Key: key, Err: err}
			}
			return nil
		}

		// item carries the CAS token observed by Get; mutating its Value
		// and handing it back to CompareAndSwap is gomemcache's own idiom.
		item.Value = encoded
		err = s.client.CompareAndSwap(item)
		if err == memcache.ErrCASConflict || err == memcache.ErrNotStored {
			continue // CAS token moved under us; retry
		}
		if err != nil {
			return &cachekit.StorageIoError{Op: "update/cas", Key: key, Err: err}
		}
		return nil
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: fmt.Errorf("exceeded CAS retry limit")}
}

func (s *Storage) Remove(_ context.Context, key string) error {
	if err := s.client.Delete(cacheKey(key)); err != nil {
		if err == memcache.ErrCacheMiss {
			return nil
		}
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: fmt.Errorf("memcache delete failed for key %q: %w", key, err)}
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
