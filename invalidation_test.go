package cachekit

import (
	"context"
	"net/http"
	"testing"
)

func TestInvalidationSuccess(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, true},
		{204, true},
		{301, true},
		{304, false},
		{404, true},
		{410, true},
		{400, false},
		{500, false},
	}
	for _, tt := range tests {
		if got := invalidationSuccess(tt.status); got != tt.want {
			t.Errorf("invalidationSuccess(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestInvalidationTargetsSameOrigin(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "http://example.com/new")
	h.Set("Content-Location", "http://example.com/canonical")

	targets := invalidationTargets("example.com", "http://example.com/x", h)
	want := map[string]bool{
		"http://example.com/x":          true,
		"http://example.com/new":        true,
		"http://example.com/canonical":  true,
	}
	if len(targets) != len(want) {
		t.Fatalf("got %v, want %d targets", targets, len(want))
	}
	for _, tgt := range targets {
		if !want[tgt] {
			t.Errorf("unexpected target %q", tgt)
		}
	}
}

func TestInvalidationTargetsCrossOriginExcluded(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "http://evil.example/new")

	targets := invalidationTargets("example.com", "http://example.com/x", h)
	if len(targets) != 1 || targets[0] != "http://example.com/x" {
		t.Errorf("cross-origin Location should not be invalidated, got %v", targets)
	}
}

func TestInvalidationTargetsNoHeaders(t *testing.T) {
	targets := invalidationTargets("example.com", "http://example.com/x", http.Header{})
	if len(targets) != 1 || targets[0] != "http://example.com/x" {
		t.Errorf("expected only the effective request URI, got %v", targets)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)

	key, _ := CanonicalURI("example.com", "http://example.com/x")
	if err := storage.Put(ctx, key, &CacheEntry{RequestURI: key}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", http.Header{}, 204); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	if _, ok, _ := storage.Get(ctx, key); ok {
		t.Error("expected entry to be removed after invalidation")
	}
}

func TestInvalidateSkipsNonSuccessStatus(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)
	key, _ := CanonicalURI("example.com", "http://example.com/x")
	storage.Put(ctx, key, &CacheEntry{RequestURI: key})

	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", http.Header{}, 500); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := storage.Get(ctx, key); !ok {
		t.Error("a 500 response must not invalidate the cache")
	}
}

func TestInvalidateAlsoRemovesContentLocationTarget(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)

	reqKey, _ := CanonicalURI("example.com", "http://example.com/x")
	clKey, _ := CanonicalURI("example.com", "http://example.com/canonical")
	storage.Put(ctx, reqKey, &CacheEntry{RequestURI: reqKey})
	storage.Put(ctx, clKey, &CacheEntry{RequestURI: clKey})

	h := http.Header{}
	h.Set("Content-Location", "http://example.com/canonical")
	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", h, 200); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	if _, ok, _ := storage.Get(ctx, reqKey); ok {
		t.Error("expected request URI entry removed")
	}
	if _, ok, _ := storage.Get(ctx, clKey); ok {
		t.Error("expected Content-Location URI entry removed")
	}
}

func TestInvalidateSkipsTargetWithOlderResponseDate(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)
	key, _ := CanonicalURI("example.com", "http://example.com/x")

	stored := http.Header{}
	stored.Set("Date", "Wed, 01 Jan 2025 00:10:00 GMT")
	storage.Put(ctx, key, &CacheEntry{RequestURI: key, ResponseHeader: stored})

	respHeader := http.Header{}
	respHeader.Set("Date", "Wed, 01 Jan 2025 00:00:00 GMT") // older than stored

	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", respHeader, 204); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := storage.Get(ctx, key); !ok {
		t.Error("a response older than the stored entry must not invalidate it")
	}
}

func TestInvalidateSkipsTargetWithMatchingETag(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)
	key, _ := CanonicalURI("example.com", "http://example.com/x")

	stored := http.Header{}
	stored.Set("Etag", `"v1"`)
	storage.Put(ctx, key, &CacheEntry{RequestURI: key, ResponseHeader: stored})

	respHeader := http.Header{}
	respHeader.Set("Etag", `"v1"`)

	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", respHeader, 204); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := storage.Get(ctx, key); !ok {
		t.Error("a response carrying the stored entry's own ETag must not invalidate it")
	}
}

func TestInvalidateRemovesVariantsBeforeRoot(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(0)
	key, _ := CanonicalURI("example.com", "http://example.com/x")
	variantKey := VariantStorageKey(key, "deadbeef")

	storage.Put(ctx, variantKey, &CacheEntry{RequestURI: key, Body: NewBytesResource([]byte("B1"))})
	root := &CacheEntry{
		RequestURI: key,
		VariantMap: map[string]string{"deadbeef": variantKey},
	}
	storage.Put(ctx, key, root)

	if err := Invalidate(ctx, storage, "example.com", "http://example.com/x", http.Header{}, 204); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok, _ := storage.Get(ctx, key); ok {
		t.Error("expected root entry removed")
	}
	if _, ok, _ := storage.Get(ctx, variantKey); ok {
		t.Error("expected variant entry removed along with its root")
	}
}
