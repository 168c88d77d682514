// Package postgresstorage provides a cachekit.Storage implementation
// backed by PostgreSQL, using an optimistic row-version column for
// compare-and-swap updates.
package postgresstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cachekit/cachekit"
)

var (
	ErrNilPool = errors.New("postgresstorage: pool cannot be nil")
)

const (
	DefaultTableName = "cachekit_entries"
	DefaultKeyPrefix = "cache:"
)

// Config holds the configuration for the PostgreSQL storage.
type Config struct {
	TableName string
	KeyPrefix string
	Timeout   time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		TableName: DefaultTableName,
		KeyPrefix: DefaultKeyPrefix,
		Timeout:   5 * time.Second,
	}
}

// Storage is a cachekit.Storage implementation over PostgreSQL. Each row
// carries a monotonically increasing version column; Update reads the
// current (data, version), computes the next entry with f, and commits
// via UPDATE ... WHERE version = $read_version, retrying on a 0-row
// affected result the same way the backend's own MVCC would reject a
// conflicting writer.
type Storage struct {
	pool      *pgxpool.Pool
	tableName string
	keyPrefix string
	timeout   time.Duration
}

func (s *Storage) cacheKey(key string) string {
	return s.keyPrefix + key
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// NewWithPool returns a new Storage using the provided connection pool.
// It does not create the table; call CreateTable first.
func NewWithPool(pool *pgxpool.Pool, config *Config) (*Storage, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Storage{pool: pool, tableName: config.TableName, keyPrefix: config.KeyPrefix, timeout: config.Timeout}, nil
}

// New creates a new Storage with a connection pool from connString and
// ensures the backing table exists.
func New(ctx context.Context, connString string, config *Config) (*Storage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultConfig()
	}
	s := &Storage{pool: pool, tableName: config.TableName, keyPrefix: config.KeyPrefix, timeout: config.Timeout}
	if err := s.CreateTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// CreateTable creates the backing table if it doesn't exist.
func (s *Storage) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`, s.tableName)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data []byte
	query := `SELECT data FROM ` + s.tableName + ` WHERE key = $1`
	err := s.pool.QueryRow(ctx, query, s.cacheKey(key)).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := cachekit.MarshalEntry(entry)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + s.tableName + ` (key, data, version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (key) DO UPDATE SET data = $2, version = ` + s.tableName + `.version + 1, updated_at = $3
	`
	if _, err := s.pool.Exec(ctx, query, s.cacheKey(key), data, time.Now()); err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Update implements the CAS contract via optimistic row versioning: read
// (data, version), compute the next entry, then UPDATE ... WHERE
// version = $read_version. A zero-row result means a concurrent writer
// advanced the version first; retry from the read.
func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fullKey := s.cacheKey(key)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		var data []byte
		var version int64
		row := s.pool.QueryRow(ctx, `SELECT data, version FROM `+s.tableName+` WHERE key = $1`, fullKey)
		err := row.Scan(&data, &version)

		var current *cachekit.CacheEntry
		rowExists := true
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			rowExists = false
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

		var tag interface {
			RowsAffected() int64
		}
		if !rowExists {
			res, err := s.pool.Exec(ctx,
				`INSERT INTO `+s.tableName+` (key, data, version, updated_at) VALUES ($1, $2, 0, $3) ON CONFLICT (key) DO NOTHING`,
				fullKey, encoded, time.Now())
			if err != nil {
				return &cachekit.StorageIoError{Op: "update/insert", Key: key, Err: err}
			}
			tag = res
		} else {
			res, err := s.pool.Exec(ctx,
				`UPDATE `+s.tableName+` SET data = $1, version = version + 1, updated_at = $2 WHERE key = $3 AND version = $4`,
				encoded, time.Now(), fullKey, version)
			if err != nil {
				return &cachekit.StorageIoError{Op: "update/set", Key: key, Err: err}
			}
			tag = res
		}

		if tag.RowsAffected() == 1 {
			return nil
		}
		// lost the race; retry
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: errors.New("exceeded CAS retry limit")}
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM ` + s.tableName + ` WHERE key = $1`
	if _, err := s.pool.Exec(ctx, query, s.cacheKey(key)); err != nil {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if len(keys) == 0 {
		return map[string]*cachekit.CacheEntry{}, nil
	}
	prefixed := make([]string, len(keys))
	lookup := make(map[string]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.cacheKey(k)
		lookup[s.cacheKey(k)] = k
	}

	rows, err := s.pool.Query(ctx, `SELECT key, data FROM `+s.tableName+` WHERE key = ANY($1)`, prefixed)
	if err != nil {
		return nil, &cachekit.StorageIoError{Op: "getMany", Err: err}
	}
	defer rows.Close()

	out := make(map[string]*cachekit.CacheEntry, len(keys))
	for rows.Next() {
		var fullKey string
		var data []byte
		if err := rows.Scan(&fullKey, &data); err != nil {
			return nil, &cachekit.StorageIoError{Op: "getMany/scan", Err: err}
		}
		entry, err := cachekit.UnmarshalEntry(data)
		if err != nil {
			continue
		}
		out[lookup[fullKey]] = entry
	}
	return out, rows.Err()
}
