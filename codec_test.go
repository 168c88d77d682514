package cachekit

import (
	"net/http"
	"testing"
	"time"
)

func TestMarshalUnmarshalEntryRoundTrip(t *testing.T) {
	now := time.Now().Round(time.Millisecond).UTC()
	e := &CacheEntry{
		RequestInstant:  now,
		ResponseInstant: now.Add(time.Second),
		RequestMethod:   http.MethodGet,
		RequestURI:      "http://example.com/a",
		RequestHeader:   http.Header{"Accept": {"*/*"}},
		Status:          200,
		ResponseHeader:  http.Header{"Content-Type": {"text/plain"}},
		Body:            NewBytesResource([]byte("hello")),
	}

	data, err := MarshalEntry(e)
	if err != nil {
		t.Fatalf("MarshalEntry() error = %v", err)
	}

	got, err := UnmarshalEntry(data)
	if err != nil {
		t.Fatalf("UnmarshalEntry() error = %v", err)
	}

	if got.RequestMethod != e.RequestMethod || got.RequestURI != e.RequestURI || got.Status != e.Status {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if !got.RequestInstant.Equal(e.RequestInstant) || !got.ResponseInstant.Equal(e.ResponseInstant) {
		t.Errorf("instant roundtrip mismatch: got %v/%v, want %v/%v", got.RequestInstant, got.ResponseInstant, e.RequestInstant, e.ResponseInstant)
	}
	if got.ResponseHeader.Get("Content-Type") != "text/plain" {
		t.Errorf("ResponseHeader roundtrip mismatch: %v", got.ResponseHeader)
	}
	gotBytes, _ := got.Body.Bytes()
	if string(gotBytes) != "hello" {
		t.Errorf("Body roundtrip mismatch: %q", gotBytes)
	}
}

func TestMarshalUnmarshalEntryNoBody(t *testing.T) {
	e := &CacheEntry{
		RequestMethod: http.MethodGet,
		RequestURI:    "http://example.com/a",
		Status:        200,
		VariantMap:    map[string]string{"k1": "http://example.com/a#k1"},
	}

	data, err := MarshalEntry(e)
	if err != nil {
		t.Fatalf("MarshalEntry() error = %v", err)
	}
	got, err := UnmarshalEntry(data)
	if err != nil {
		t.Fatalf("UnmarshalEntry() error = %v", err)
	}
	if got.Body != nil {
		t.Error("expected nil Body for a root/variant-index entry")
	}
	if got.VariantMap["k1"] != "http://example.com/a#k1" {
		t.Errorf("VariantMap roundtrip mismatch: %v", got.VariantMap)
	}
	if !got.IsRoot() {
		t.Error("expected decoded entry to report IsRoot() true")
	}
}

func TestUnmarshalEntryInvalidData(t *testing.T) {
	_, err := UnmarshalEntry([]byte("not a gob stream"))
	if err == nil {
		t.Fatal("expected error decoding garbage bytes")
	}
	if _, ok := err.(*StorageIoError); !ok {
		t.Fatalf("expected *StorageIoError, got %T", err)
	}
}
