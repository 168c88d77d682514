// Package diskstorage provides a cachekit.Storage implementation that uses
// the diskv package to persist entries as files, with an in-memory LRU
// layer on top supplied by diskv itself.
package diskstorage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/peterbourgon/diskv"

	"github.com/cachekit/cachekit"
)

const defaultCacheSizeMax = 100 * 1024 * 1024

// Storage is a cachekit.Storage implementation over diskv. Diskv has no
// native compare-and-swap, so Update serializes writers to the same key
// with an in-process mutex, giving linearizability within one process.
type Storage struct {
	d     *diskv.Diskv
	locks keyLocks
}

// New returns a new Storage storing files under basePath.
func New(basePath string) *Storage {
	return &Storage{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			CacheSizeMax: defaultCacheSizeMax,
		}),
	}
}

// NewWithDiskv returns a new Storage using the provided Diskv instance.
func NewWithDiskv(d *diskv.Diskv) *Storage {
	return &Storage{d: d}
}

func keyToFilename(key string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, key)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Storage) Get(_ context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	data, err := s.d.Read(keyToFilename(key))
	if err != nil {
		return nil, false, nil
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
	if err := s.d.WriteStream(keyToFilename(key), bytes.NewReader(data), true); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("diskstorage set failed for key: %w", err)}
	}
	return nil
}

func (s *Storage) Update(_ context.Context, key string, f cachekit.UpdateFunc) error {
	unlock := s.locks.lock(key)
	defer unlock()

	filename := keyToFilename(key)
	var current *cachekit.CacheEntry
	if data, err := s.d.Read(filename); err == nil {
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
	if err := s.d.WriteStream(filename, bytes.NewReader(encoded), true); err != nil {
		return &cachekit.StorageIoError{Op: "update/put", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) Remove(_ context.Context, key string) error {
	_ = s.d.Erase(keyToFilename(key))
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
