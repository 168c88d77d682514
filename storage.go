package cachekit

import "context"

// UpdateFunc computes the next CacheEntry to publish at a key given the
// current one (nil if the key is absent). Returning (nil, false) leaves
// the key untouched. Storage.Update must invoke f at least once and may
// invoke it more than once if it loses a compare-and-swap race; f must
// therefore be side-effect free beyond its return value.
type UpdateFunc func(current *CacheEntry) (next *CacheEntry, ok bool)

// Storage is the cache-entry store (§5). Every method is safe for
// concurrent use. Update is the only mutation primitive: it must behave
// as a linearizable compare-and-swap loop so that two concurrent
// revalidations of the same key never interleave into a corrupted
// VariantMap or clobber each other's winning entry (§5.2).
//
// Implementations wrap underlying I/O errors in StorageIoError before
// returning them.
type Storage interface {
	// Get returns the entry stored at key, or ok=false if absent.
	Get(ctx context.Context, key string) (entry *CacheEntry, ok bool, err error)

	// Put unconditionally publishes entry at key, overwriting any
	// previous value.
	Put(ctx context.Context, key string, entry *CacheEntry) error

	// Update atomically applies f to the current entry at key (nil if
	// absent) and publishes the result. Implementations retry f on CAS
	// contention; f must be pure with respect to its argument.
	Update(ctx context.Context, key string, f UpdateFunc) error

	// Remove deletes the entry at key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key string) error

	// GetMany fetches multiple keys in one round trip where the backend
	// supports it; a generic fallback may call Get per key. Absent keys
	// are simply omitted from the result map.
	GetMany(ctx context.Context, keys []string) (map[string]*CacheEntry, error)
}
