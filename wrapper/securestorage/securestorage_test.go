package securestorage

import (
	"context"
	"net/http"
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

func TestConformanceWithoutEncryption(t *testing.T) {
	s, err := New(Config{Storage: cachekit.NewMemoryStorage(100)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.IsEncrypted() {
		t.Error("expected no encryption without a passphrase")
	}
	storagetest.Storage(t, s)
}

func TestConformanceWithEncryption(t *testing.T) {
	s, err := New(Config{Storage: cachekit.NewMemoryStorage(100), Passphrase: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !s.IsEncrypted() {
		t.Error("expected encryption to be enabled")
	}
	storagetest.Storage(t, s)
}

func TestKeysAreHashedInUnderlyingStorage(t *testing.T) {
	ctx := context.Background()
	backing := cachekit.NewMemoryStorage(100)
	s, err := New(Config{Storage: backing})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Put(ctx, "plaintext-key", newEntry("http://example.com/x", "v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, ok, _ := backing.Get(ctx, "plaintext-key"); ok {
		t.Error("expected the underlying store to never see the plaintext key")
	}
	if _, ok, _ := backing.Get(ctx, hashKey("plaintext-key")); !ok {
		t.Error("expected the underlying store to hold the hashed key")
	}
}

func TestBodyIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	backing := cachekit.NewMemoryStorage(100)
	s, err := New(Config{Storage: backing, Passphrase: "p4ssphr4se"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Put(ctx, "k", newEntry("http://example.com/k", "secret value")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	raw, ok, err := backing.Get(ctx, hashKey("k"))
	if err != nil || !ok {
		t.Fatalf("expected entry in backing store, ok=%v err=%v", ok, err)
	}
	rawBody, _ := raw.Body.Bytes()
	if string(rawBody) == "secret value" {
		t.Error("expected body to be encrypted at rest, found plaintext")
	}

	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get failed, ok=%v err=%v", ok, err)
	}
	body, _ := got.Body.Bytes()
	if string(body) != "secret value" {
		t.Fatalf("got body %q, want decrypted plaintext", body)
	}
}

func TestWrongPassphraseFailsToDecrypt(t *testing.T) {
	ctx := context.Background()
	backing := cachekit.NewMemoryStorage(100)

	writer, err := New(Config{Storage: backing, Passphrase: "correct"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := writer.Put(ctx, "k", newEntry("http://example.com/k", "v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reader, err := New(Config{Storage: backing, Passphrase: "wrong"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := reader.Get(ctx, "k"); err == nil {
		t.Error("expected decryption with the wrong passphrase to fail")
	}
}

func TestNewRejectsNilStorage(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for nil storage")
	}
}
