// Package natskvstorage provides a cachekit.Storage implementation backed
// by a NATS JetStream Key/Value bucket, using revision-checked Update and
// Create calls for compare-and-swap semantics.
package natskvstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cachekit/cachekit"
)

// Config holds the configuration for creating a NATS K/V backed Storage.
type Config struct {
	NATSUrl     string
	Bucket      string
	Description string
	TTL         time.Duration
	NATSOptions []nats.Option
}

// Storage is a cachekit.Storage implementation over a NATS JetStream K/V
// bucket. Update relies on the bucket's per-key revision: Create fails if
// the key already exists, and Update fails if the supplied revision is
// stale, both surfaced as jetstream.ErrKeyExists/"wrong last sequence"
// errors that this type treats as a CAS conflict and retries.
type Storage struct {
	kv jetstream.KeyValue
	nc *nats.Conn
}

func cacheKey(key string) string {
	return "cachekit." + key
}

// New connects to NATS and creates or updates the K/V bucket described by
// config. The caller should Close the returned Storage when done.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	url := config.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, config.NATSOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: config.Description,
		TTL:         config.TTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create or update K/V bucket: %w", err)
	}

	return &Storage{kv: kv, nc: nc}, nil
}

// NewWithKeyValue returns a new Storage over an already-configured K/V
// bucket. Close is a no-op; the caller owns the NATS connection.
func NewWithKeyValue(kv jetstream.KeyValue) *Storage {
	return &Storage{kv: kv}
}

// Close closes the underlying NATS connection, if owned.
func (s *Storage) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	entry, err := s.kv.Get(ctx, cacheKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: err}
	}
	decoded, err := cachekit.UnmarshalEntry(entry.Value())
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (s *Storage) Put(ctx context.Context, key string, e *cachekit.CacheEntry) error {
	data, err := cachekit.MarshalEntry(e)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, cacheKey(key), data); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Update implements the CAS contract using the bucket's revision numbers:
// Create is attempted when the key is absent, Update(ctx, key, value,
// lastRevision) when present. Either call failing with a revision conflict
// means a concurrent writer won the race; the read-modify-write is retried.
func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	fullKey := cacheKey(key)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		var current *cachekit.CacheEntry
		var revision uint64
		exists := true

		entry, err := s.kv.Get(ctx, fullKey)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			exists = false
		case err != nil:
			return &cachekit.StorageIoError{Op: "update/get", Key: key, Err: err}
		default:
			revision = entry.Revision()
			current, err = cachekit.UnmarshalEntry(entry.Value())
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
			if _, err := s.kv.Create(ctx, fullKey, encoded); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue // someone else created it first; retry
				}
				return &cachekit.StorageIoError{Op: "update/create", Key: key, Err: err}
			}
			return nil
		}

		if _, err := s.kv.Update(ctx, fullKey, encoded, revision); err != nil {
			continue // revision moved under us; retry
		}
		return nil
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: fmt.Errorf("exceeded CAS retry limit")}
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, cacheKey(key)); err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return &cachekit.StorageIoError{Op: "remove", Key: key, Err: err}
		}
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
