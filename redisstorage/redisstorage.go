// Package redisstorage provides a cachekit.Storage implementation backed
// by Redis, using WATCH/MULTI/EXEC for compare-and-swap updates.
package redisstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cachekit/cachekit"
)

// Config holds the configuration for creating a Redis-backed Storage.
type Config struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	// Required.
	Address string

	Password string
	DB       int

	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:     10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Storage is a cachekit.Storage implementation that stores entries in
// Redis.
type Storage struct {
	client *redis.Client
}

func keyPrefix(key string) string {
	return "cachekit:" + key
}

// New creates a new Storage with the given configuration.
func New(config Config) (*Storage, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	defaults := DefaultConfig()
	if config.PoolSize == 0 {
		config.PoolSize = defaults.PoolSize
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Storage{client: client}, nil
}

// NewWithClient builds a Storage over an already-configured client.
func NewWithClient(client *redis.Client) *Storage {
	return &Storage{client: client}
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	data, err := cachekit.MarshalEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix(key), data, 0).Err(); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Update implements the CAS contract using Redis's optimistic-locking
// primitive: WATCH the key, read it inside the transaction, compute the
// next value, and commit via a pipelined MULTI/EXEC. A redis.TxFailedErr
// means another writer raced us; we retry, since the backend's native
// primitive is exactly what guarantees the linearizability the Storage
// contract requires.
func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	redisKey := keyPrefix(key)

	txf := func(tx *redis.Tx) error {
		var current *cachekit.CacheEntry
		data, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = nil
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, 0)
			return nil
		})
		return err
	}

	const maxRetries = 10
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return &cachekit.StorageIoError{Op: "update", Key: key, Err: err}
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: errors.New("exceeded CAS retry limit")}
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix(key)).Err(); err != nil {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	if len(keys) == 0 {
		return map[string]*cachekit.CacheEntry{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix(k)
	}
	values, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, &cachekit.StorageIoError{Op: "getMany", Err: err}
	}

	out := make(map[string]*cachekit.CacheEntry, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		entry, err := cachekit.UnmarshalEntry([]byte(str))
		if err != nil {
			continue
		}
		out[keys[i]] = entry
	}
	return out, nil
}
