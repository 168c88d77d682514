// Package compressstorage wraps a cachekit.Storage so that entry bodies
// are compressed at rest, reducing backend storage footprint. Gzip,
// Brotli, and Snappy are supported; only the response body is
// compressed, the rest of the CacheEntry is stored as-is.
package compressstorage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cachekit/cachekit"
)

// Algorithm identifies which compressor produced a stored body.
type Algorithm int

const (
	Gzip Algorithm = iota
	Brotli
	Snappy
)

func (a Algorithm) String() string {
	switch a {
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	case Snappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Stats holds running compression statistics for a Storage.
type Stats struct {
	CompressedBytes   int64
	UncompressedBytes int64
	CompressedCount   int64
	UncompressedCount int64
	CompressionRatio  float64
	SavingsPercent    float64
}

type compressFunc func([]byte) ([]byte, error)
type decompressFunc func([]byte) ([]byte, error)

// Storage wraps an underlying cachekit.Storage, compressing entry bodies
// with a single algorithm on write while transparently decompressing
// bodies written by any of the three supported algorithms on read.
type Storage struct {
	underlying cachekit.Storage
	algorithm  Algorithm
	compress   compressFunc
	decompress decompressFunc

	compressedBytes   atomic.Int64
	uncompressedBytes atomic.Int64
	compressedCount   atomic.Int64
	uncompressedCount atomic.Int64
}

// New wraps storage, compressing bodies with algorithm. level is
// algorithm-specific (gzip: -2..9, brotli: 0..11) and ignored for snappy.
func New(storage cachekit.Storage, algorithm Algorithm, level int) (*Storage, error) {
	if storage == nil {
		return nil, fmt.Errorf("compressstorage: storage cannot be nil")
	}

	s := &Storage{underlying: storage, algorithm: algorithm}
	switch algorithm {
	case Gzip:
		c, err := newGzipCodec(level)
		if err != nil {
			return nil, err
		}
		s.compress, s.decompress = c.compress, c.decompress
	case Brotli:
		c, err := newBrotliCodec(level)
		if err != nil {
			return nil, err
		}
		s.compress, s.decompress = c.compress, c.decompress
	case Snappy:
		c := newSnappyCodec()
		s.compress, s.decompress = c.compress, c.decompress
	default:
		return nil, fmt.Errorf("compressstorage: unsupported algorithm %v", algorithm)
	}
	return s, nil
}

// NewGzip is a convenience constructor using the default gzip level.
func NewGzip(storage cachekit.Storage) (*Storage, error) {
	return New(storage, Gzip, 0)
}

// NewBrotli is a convenience constructor using brotli level 6.
func NewBrotli(storage cachekit.Storage) (*Storage, error) {
	return New(storage, Brotli, 6)
}

// NewSnappy is a convenience constructor; snappy has no level knob.
func NewSnappy(storage cachekit.Storage) (*Storage, error) {
	return New(storage, Snappy, 0)
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	entry, ok, err := s.underlying.Get(ctx, key)
	if err != nil || !ok {
		return entry, ok, err
	}
	decoded, err := s.decodeEntry(key, entry)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	encoded, err := s.encodeEntry(entry)
	if err != nil {
		return err
	}
	return s.underlying.Put(ctx, key, encoded)
}

func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	return s.underlying.Update(ctx, key, func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
		var decodedCurrent *cachekit.CacheEntry
		if current != nil {
			decoded, err := s.decodeEntry(key, current)
			if err != nil {
				cachekit.GetLogger().Warn("compressstorage: decoding current entry failed", "key", key, "error", err)
				decoded = current
			}
			decodedCurrent = decoded
		}

		next, ok := f(decodedCurrent)
		if !ok {
			return nil, false
		}
		encoded, err := s.encodeEntry(next)
		if err != nil {
			cachekit.GetLogger().Warn("compressstorage: encoding next entry failed", "key", key, "error", err)
			return next, true
		}
		return encoded, true
	})
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	return s.underlying.Remove(ctx, key)
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	entries, err := s.underlying.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*cachekit.CacheEntry, len(entries))
	for key, entry := range entries {
		decoded, err := s.decodeEntry(key, entry)
		if err != nil {
			return nil, err
		}
		out[key] = decoded
	}
	return out, nil
}

// Stats returns a snapshot of compression statistics observed so far.
func (s *Storage) Stats() Stats {
	compressed := s.compressedBytes.Load()
	uncompressed := s.uncompressedBytes.Load()

	var ratio, savings float64
	if uncompressed > 0 {
		ratio = float64(compressed) / float64(uncompressed)
		savings = (1.0 - ratio) * 100
	}

	return Stats{
		CompressedBytes:   compressed,
		UncompressedBytes: uncompressed,
		CompressedCount:   s.compressedCount.Load(),
		UncompressedCount: s.uncompressedCount.Load(),
		CompressionRatio:  ratio,
		SavingsPercent:    savings,
	}
}

// encodeEntry replaces entry.Body with a compressed copy, prefixed with
// a one-byte marker identifying the algorithm (0 means stored as-is).
func (s *Storage) encodeEntry(entry *cachekit.CacheEntry) (*cachekit.CacheEntry, error) {
	if entry == nil || entry.Body == nil {
		return entry, nil
	}
	raw, err := entry.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("compressstorage: reading body: %w", err)
	}

	compressed, err := s.compress(raw)
	if err != nil {
		cachekit.GetLogger().Warn("compressstorage: compression failed, storing uncompressed", "algorithm", s.algorithm.String(), "error", err)
		stored := make([]byte, len(raw)+1)
		stored[0] = 0
		copy(stored[1:], raw)
		s.uncompressedCount.Add(1)
		s.uncompressedBytes.Add(int64(len(raw)))
		return withBody(entry, stored), nil
	}

	stored := make([]byte, len(compressed)+1)
	stored[0] = byte(s.algorithm + 1)
	copy(stored[1:], compressed)

	s.compressedCount.Add(1)
	s.compressedBytes.Add(int64(len(compressed)))
	s.uncompressedBytes.Add(int64(len(raw)))

	return withBody(entry, stored), nil
}

// decodeEntry reverses encodeEntry, dispatching to whichever algorithm's
// marker byte is present so bodies written under a previous algorithm
// choice remain readable.
func (s *Storage) decodeEntry(key string, entry *cachekit.CacheEntry) (*cachekit.CacheEntry, error) {
	if entry == nil || entry.Body == nil {
		return entry, nil
	}
	stored, err := entry.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("compressstorage: reading stored body: %w", err)
	}
	if len(stored) == 0 {
		return entry, nil
	}

	marker := stored[0]
	if marker == 0 {
		return withBody(entry, stored[1:]), nil
	}

	storedAlgo := Algorithm(marker - 1)
	decoded, err := s.decompressWithAlgorithm(storedAlgo, stored[1:])
	if err != nil {
		cachekit.GetLogger().Warn("compressstorage: decompression failed", "key", key, "algorithm", storedAlgo.String(), "error", err)
		return nil, fmt.Errorf("compressstorage: decompressing body for key %q: %w", key, err)
	}
	return withBody(entry, decoded), nil
}

func (s *Storage) decompressWithAlgorithm(algorithm Algorithm, data []byte) ([]byte, error) {
	if algorithm == s.algorithm {
		return s.decompress(data)
	}
	switch algorithm {
	case Gzip:
		c, err := newGzipCodec(0)
		if err != nil {
			return nil, err
		}
		return c.decompress(data)
	case Brotli:
		c, err := newBrotliCodec(6)
		if err != nil {
			return nil, err
		}
		return c.decompress(data)
	case Snappy:
		return newSnappyCodec().decompress(data)
	default:
		return nil, fmt.Errorf("compressstorage: unsupported stored algorithm %v", algorithm)
	}
}

func withBody(entry *cachekit.CacheEntry, body []byte) *cachekit.CacheEntry {
	clone := *entry
	clone.Body = cachekit.NewBytesResource(body)
	return &clone
}

var _ cachekit.Storage = (*Storage)(nil)
