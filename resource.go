package cachekit

import "sync/atomic"

// Resource is a disposable container for response body bytes. A storage
// backend owns exactly one Resource per stored entry and is responsible
// for calling Dispose once the entry has been superseded or removed and
// no reader still holds a reference (§5 shared-resource policy).
type Resource interface {
	// Bytes returns the full body content. Implementations may read from
	// memory, disk, or a remote blob store; callers should not assume
	// the call is free.
	Bytes() ([]byte, error)
	// Length returns the authoritative byte length of the resource,
	// independent of any Content-Length header on the stored entry.
	Length() int64
	// Dispose releases any underlying storage the resource holds. It is
	// safe to call Dispose more than once.
	Dispose()
	// Acquire increments the reference count, keeping the resource usable
	// even if the storage concurrently drops its own reference via
	// Remove/eviction/replacement (§5 shared-resource policy). Every
	// Acquire must be paired with exactly one Release.
	Acquire()
	// Release decrements the reference count, disposing the resource
	// only once it reaches zero.
	Release()
}

// BytesResource is the canonical in-memory Resource implementation: an
// immutable byte slice with reference counting so that a reader which
// acquired the resource before a CAS replacement can keep reading it
// until it releases its own reference.
//
// Acquire/Release model a simple epoch scheme: the storage layer calls
// Acquire when it hands a Resource to a caller and the caller calls
// Release when done; the underlying bytes are only eligible for garbage
// collection once the reference count reaches zero AND the resource has
// been evicted from the storage's current value for its key.
type BytesResource struct {
	data     []byte
	refCount int64
	disposed int32
}

// NewBytesResource wraps data in a BytesResource with an initial
// reference count of one (the storage's own reference).
func NewBytesResource(data []byte) *BytesResource {
	return &BytesResource{data: data, refCount: 1}
}

// Bytes returns the underlying byte slice. The returned slice must not
// be mutated by callers since CacheEntry snapshots are immutable.
func (r *BytesResource) Bytes() ([]byte, error) {
	return r.data, nil
}

// Length returns len(data).
func (r *BytesResource) Length() int64 {
	return int64(len(r.data))
}

// Acquire increments the reference count and must be paired with a
// Release. It is used by storage implementations when handing a
// resource to a concurrent reader while the key may be CAS-replaced
// underneath them.
func (r *BytesResource) Acquire() {
	atomic.AddInt64(&r.refCount, 1)
}

// Release decrements the reference count. When it reaches zero the
// resource is finalized via Dispose.
func (r *BytesResource) Release() {
	if atomic.AddInt64(&r.refCount, -1) <= 0 {
		r.Dispose()
	}
}

// Dispose marks the resource as no longer usable. It is idempotent.
func (r *BytesResource) Dispose() {
	if atomic.CompareAndSwapInt32(&r.disposed, 0, 1) {
		r.data = nil
	}
}
