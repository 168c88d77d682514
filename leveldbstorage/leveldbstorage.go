// Package leveldbstorage provides a cachekit.Storage implementation backed
// by github.com/syndtr/goleveldb/leveldb.
package leveldbstorage

import (
	"context"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/cachekit/cachekit"
)

// Storage is a cachekit.Storage implementation with LevelDB storage.
// LevelDB has no native compare-and-swap primitive, so Update serializes
// concurrent writers to the same key through an in-process mutex; this
// makes Update linearizable only within a single process, which is the
// expected deployment shape for an embedded, file-backed store.
type Storage struct {
	db    *leveldb.DB
	locks keyLocks
}

// New returns a new Storage that stores its LevelDB files in path.
func New(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

// NewWithDB returns a new Storage using the provided, already-open
// LevelDB handle.
func NewWithDB(db *leveldb.DB) *Storage {
	return &Storage{db: db}
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(_ context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: err}
	}
	entry, err := cachekit.UnmarshalEntry(data)
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
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("leveldb put failed for key %q: %w", key, err)}
	}
	return nil
}

func (s *Storage) Update(_ context.Context, key string, f cachekit.UpdateFunc) error {
	unlock := s.locks.lock(key)
	defer unlock()

	var current *cachekit.CacheEntry
	data, err := s.db.Get([]byte(key), nil)
	switch {
	case err == leveldb.ErrNotFound:
		// current stays nil
	case err != nil:
		return &cachekit.StorageIoError{Op: "update/get", Key: key, Err: err}
	default:
		current, err = cachekit.UnmarshalEntry(data)
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
	if err := s.db.Put([]byte(key), encoded, nil); err != nil {
		return &cachekit.StorageIoError{Op: "update/put", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) Remove(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: fmt.Errorf("leveldb delete failed for key %q: %w", key, err)}
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

// keyLocks hands out a per-key mutex from a lazily populated map, letting
// unrelated keys proceed concurrently while serializing CAS updates that
// target the same key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
