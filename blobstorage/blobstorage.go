// Package blobstorage provides a cachekit.Storage implementation that uses
// the Go Cloud Development Kit (gocloud.dev/blob) for cloud-agnostic cache
// storage, supporting S3, GCS, Azure Blob Storage, and local filesystem
// and in-memory buckets behind the same interface.
package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/cachekit/cachekit"
)

// Config holds the configuration for the blob storage backend.
type Config struct {
	// BucketURL is the Go Cloud blob URL (e.g., "s3://bucket?region=us-west-2").
	BucketURL string

	// KeyPrefix is prepended to all cache keys (default: "cache/").
	KeyPrefix string

	// Timeout for blob operations (default: 30s).
	Timeout time.Duration

	// Bucket is an optional pre-opened bucket; if set, BucketURL is unused.
	Bucket *blob.Bucket
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix: "cache/",
		Timeout:   30 * time.Second,
	}
}

// Storage is a cachekit.Storage implementation over a Go Cloud blob
// bucket. Object stores generally lack a compare-and-swap primitive, so
// Update serializes writers to the same key with an in-process mutex;
// this gives linearizability within one process, not across a fleet.
type Storage struct {
	bucket     *blob.Bucket
	keyPrefix  string
	timeout    time.Duration
	ownsBucket bool
	locks      keyLocks
}

// New opens the bucket described by config.BucketURL (or uses
// config.Bucket directly) and returns a new Storage. Call Close to
// release resources when the Storage was constructed from a BucketURL.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.BucketURL == "" && config.Bucket == nil {
		return nil, fmt.Errorf("either BucketURL or Bucket must be provided")
	}
	def := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}

	var bucket *blob.Bucket
	var ownsBucket bool
	if config.Bucket != nil {
		bucket = config.Bucket
	} else {
		var err error
		bucket, err = blob.OpenBucket(ctx, config.BucketURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket: %w", err)
		}
		ownsBucket = true
	}

	return &Storage{bucket: bucket, keyPrefix: config.KeyPrefix, timeout: config.Timeout, ownsBucket: ownsBucket}, nil
}

// NewWithBucket returns a Storage over an already-opened bucket. The
// caller is responsible for closing it.
func NewWithBucket(bucket *blob.Bucket, keyPrefix string, timeout time.Duration) *Storage {
	def := DefaultConfig()
	if keyPrefix == "" {
		keyPrefix = def.KeyPrefix
	}
	if timeout == 0 {
		timeout = def.Timeout
	}
	return &Storage{bucket: bucket, keyPrefix: keyPrefix, timeout: timeout}
}

func (s *Storage) blobKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return s.keyPrefix + hex.EncodeToString(hash[:])
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Storage) readEntry(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	reader, err := s.bucket.NewReader(ctx, s.blobKey(key), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: fmt.Errorf("blobstorage get failed for key %q: %w", key, err)}
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: fmt.Errorf("blobstorage read failed for key %q: %w", key, err)}
	}
	entry, err := cachekit.UnmarshalEntry(data)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Storage) writeEntry(ctx context.Context, key string, data []byte) error {
	writer, err := s.bucket.NewWriter(ctx, s.blobKey(key), nil)
	if err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("blobstorage failed to create writer for key %q: %w", key, err)}
	}
	_, writeErr := writer.Write(data)
	closeErr := writer.Close()
	if writeErr != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("blobstorage failed to write for key %q: %w", key, writeErr)}
	}
	if closeErr != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: fmt.Errorf("blobstorage failed to close writer for key %q: %w", key, closeErr)}
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.readEntry(ctx, key)
}

func (s *Storage) Put(ctx context.Context, key string, e *cachekit.CacheEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := cachekit.MarshalEntry(e)
	if err != nil {
		return err
	}
	return s.writeEntry(ctx, key, data)
}

func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	unlock := s.locks.lock(key)
	defer unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	current, _, err := s.readEntry(ctx, key)
	if err != nil {
		return err
	}

	next, ok := f(current)
	if !ok {
		return nil
	}
	encoded, err := cachekit.MarshalEntry(next)
	if err != nil {
		return err
	}
	return s.writeEntry(ctx, key, encoded)
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.bucket.Delete(ctx, s.blobKey(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: fmt.Errorf("blobstorage delete failed for key %q: %w", key, err)}
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

// Close closes the bucket if it was opened by New.
func (s *Storage) Close() error {
	if s.ownsBucket {
		if err := s.bucket.Close(); err != nil {
			return fmt.Errorf("failed to close blob bucket: %w", err)
		}
	}
	return nil
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
