package compressstorage

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cachekit/cachekit"
	"github.com/cachekit/cachekit/storagetest"
)

func newEntry(uri, body string) *cachekit.CacheEntry {
	now := time.Now()
	return &cachekit.CacheEntry{
		RequestInstant:  now,
		ResponseInstant: now,
		RequestMethod:   http.MethodGet,
		RequestURI:      uri,
		RequestHeader:   http.Header{},
		Status:          200,
		ResponseHeader:  http.Header{},
		Body:            cachekit.NewBytesResource([]byte(body)),
	}
}

func TestGzipStorageConformance(t *testing.T) {
	s, err := NewGzip(cachekit.NewMemoryStorage(100))
	if err != nil {
		t.Fatalf("NewGzip failed: %v", err)
	}
	storagetest.Storage(t, s)
}

func TestBrotliStorageConformance(t *testing.T) {
	s, err := NewBrotli(cachekit.NewMemoryStorage(100))
	if err != nil {
		t.Fatalf("NewBrotli failed: %v", err)
	}
	storagetest.Storage(t, s)
}

func TestSnappyStorageConformance(t *testing.T) {
	s, err := NewSnappy(cachekit.NewMemoryStorage(100))
	if err != nil {
		t.Fatalf("NewSnappy failed: %v", err)
	}
	storagetest.Storage(t, s)
}

func TestRoundTripCompressesAndDecompresses(t *testing.T) {
	ctx := context.Background()
	backing := cachekit.NewMemoryStorage(100)
	s, err := NewGzip(backing)
	if err != nil {
		t.Fatalf("NewGzip failed: %v", err)
	}

	body := strings.Repeat("compress me please ", 200)
	if err := s.Put(ctx, "k", newEntry("http://example.com/k", body)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get failed, ok=%v err=%v", ok, err)
	}
	gotBody, err := got.Body.Bytes()
	if err != nil {
		t.Fatalf("body read failed: %v", err)
	}
	if string(gotBody) != body {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(gotBody), len(body))
	}

	rawEntry, ok, err := backing.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected raw entry in backing store")
	}
	rawBytes, _ := rawEntry.Body.Bytes()
	if len(rawBytes) >= len(body) {
		t.Errorf("expected compressed body to be smaller than %d bytes, got %d", len(body), len(rawBytes))
	}

	stats := s.Stats()
	if stats.CompressedCount != 1 {
		t.Errorf("expected 1 compressed entry, got %d", stats.CompressedCount)
	}
}

func TestCrossAlgorithmDecompression(t *testing.T) {
	ctx := context.Background()
	backing := cachekit.NewMemoryStorage(100)

	gzipStorage, err := NewGzip(backing)
	if err != nil {
		t.Fatalf("NewGzip failed: %v", err)
	}
	if err := gzipStorage.Put(ctx, "k", newEntry("http://example.com/k", "hello world")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	snappyStorage, err := NewSnappy(backing)
	if err != nil {
		t.Fatalf("NewSnappy failed: %v", err)
	}
	got, ok, err := snappyStorage.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected to decode a gzip-written entry through a snappy-configured storage, ok=%v err=%v", ok, err)
	}
	body, _ := got.Body.Bytes()
	if string(body) != "hello world" {
		t.Fatalf("got body %q", body)
	}
}

func TestUpdateRoundTripsThroughCompression(t *testing.T) {
	ctx := context.Background()
	s, err := NewBrotli(cachekit.NewMemoryStorage(100))
	if err != nil {
		t.Fatalf("NewBrotli failed: %v", err)
	}

	if err := s.Put(ctx, "k", newEntry("http://example.com/k", "v1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	err = s.Update(ctx, "k", func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
		body, _ := current.Body.Bytes()
		if string(body) != "v1" {
			t.Fatalf("expected decompressed current body v1, got %q", body)
		}
		return newEntry("http://example.com/k", "v2"), true
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get failed after update, ok=%v err=%v", ok, err)
	}
	body, _ := got.Body.Bytes()
	if string(body) != "v2" {
		t.Fatalf("got body %q", body)
	}
}

func TestNewRejectsNilStorage(t *testing.T) {
	if _, err := NewGzip(nil); err == nil {
		t.Fatal("expected error for nil storage")
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(cachekit.NewMemoryStorage(10), Brotli, 99); err == nil {
		t.Fatal("expected error for invalid brotli level")
	}
}
