package cachekit

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"
)

// wireEntry is the CacheEntry serialization used by every networked
// Storage backend: Resource is flattened to a byte slice since none of
// the backends need the in-process reference-counting semantics of
// BytesResource, only the bytes themselves.
type wireEntry struct {
	RequestInstant  time.Time
	ResponseInstant time.Time
	RequestMethod   string
	RequestURI      string
	RequestHeader   http.Header
	Status          int
	ResponseHeader  http.Header
	Body            []byte
	HasBody         bool
	VariantMap      map[string]string
}

// MarshalEntry encodes e for storage in an external backend. Grounded on
// the teacher's use of httputil.DumpResponse to flatten a *http.Response
// to bytes; CacheEntry has no wire form of its own, so gob is used here
// instead, since there is no raw HTTP message to dump anymore.
func MarshalEntry(e *CacheEntry) ([]byte, error) {
	w := wireEntry{
		RequestInstant:  e.RequestInstant,
		ResponseInstant: e.ResponseInstant,
		RequestMethod:   e.RequestMethod,
		RequestURI:      e.RequestURI,
		RequestHeader:   e.RequestHeader,
		Status:          e.Status,
		ResponseHeader:  e.ResponseHeader,
		VariantMap:      e.VariantMap,
	}
	if e.Body != nil {
		b, err := e.Body.Bytes()
		if err != nil {
			return nil, &StorageIoError{Op: "marshal", Err: err}
		}
		w.Body = b
		w.HasBody = true
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, &StorageIoError{Op: "marshal", Err: err}
	}
	return buf.Bytes(), nil
}

// UnmarshalEntry decodes bytes produced by MarshalEntry.
func UnmarshalEntry(data []byte) (*CacheEntry, error) {
	var w wireEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, &StorageIoError{Op: "unmarshal", Err: err}
	}
	e := &CacheEntry{
		RequestInstant:  w.RequestInstant,
		ResponseInstant: w.ResponseInstant,
		RequestMethod:   w.RequestMethod,
		RequestURI:      w.RequestURI,
		RequestHeader:   w.RequestHeader,
		Status:          w.Status,
		ResponseHeader:  w.ResponseHeader,
		VariantMap:      w.VariantMap,
	}
	if w.HasBody {
		e.Body = NewBytesResource(w.Body)
	}
	return e, nil
}
