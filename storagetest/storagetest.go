// Package storagetest provides a conformance suite that exercises any
// cachekit.Storage implementation against the Get/Put/Update/Remove/
// GetMany contract, including the CAS guarantee of Update.
package storagetest

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachekit/cachekit"
)

func newEntry(uri string, status int, body string) *cachekit.CacheEntry {
	now := time.Now()
	header := http.Header{}
	header.Set("Date", now.UTC().Format(http.TimeFormat))
	var resource cachekit.Resource
	if body != "" {
		resource = cachekit.NewBytesResource([]byte(body))
	}
	return &cachekit.CacheEntry{
		RequestInstant:  now,
		ResponseInstant: now,
		RequestMethod:   http.MethodGet,
		RequestURI:      uri,
		RequestHeader:   http.Header{},
		Status:          status,
		ResponseHeader:  header,
		Body:            resource,
	}
}

// Storage exercises a cachekit.Storage implementation end to end. Call it
// from a backend's own _test.go with a freshly provisioned instance.
func Storage(t *testing.T, storage cachekit.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, ok, err := storage.Get(ctx, "missing-key")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		entry := newEntry("http://example.com/a", 200, "hello")
		require.NoError(t, storage.Put(ctx, "key-a", entry))

		got, ok, err := storage.Get(ctx, "key-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.Status, got.Status)
		assert.Equal(t, entry.RequestURI, got.RequestURI)
		gotBody, err := got.Body.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), gotBody)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, storage.Put(ctx, "key-b", newEntry("http://example.com/b", 200, "v1")))
		require.NoError(t, storage.Put(ctx, "key-b", newEntry("http://example.com/b", 200, "v2")))

		got, ok, err := storage.Get(ctx, "key-b")
		require.NoError(t, err)
		require.True(t, ok)
		body, _ := got.Body.Bytes()
		assert.Equal(t, []byte("v2"), body)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, storage.Put(ctx, "key-c", newEntry("http://example.com/c", 200, "v")))
		require.NoError(t, storage.Remove(ctx, "key-c"))

		_, ok, err := storage.Get(ctx, "key-c")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RemoveMissingIsNotAnError", func(t *testing.T) {
		require.NoError(t, storage.Remove(ctx, "never-existed"))
	})

	t.Run("UpdateOnAbsentKeyCreates", func(t *testing.T) {
		want := newEntry("http://example.com/d", 200, "created")
		err := storage.Update(ctx, "key-d", func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
			assert.Nil(t, current)
			return want, true
		})
		require.NoError(t, err)

		got, ok, err := storage.Get(ctx, "key-d")
		require.NoError(t, err)
		require.True(t, ok)
		body, _ := got.Body.Bytes()
		assert.Equal(t, []byte("created"), body)
	})

	t.Run("UpdateCanDeclineToChange", func(t *testing.T) {
		original := newEntry("http://example.com/e", 200, "v1")
		require.NoError(t, storage.Put(ctx, "key-e", original))

		err := storage.Update(ctx, "key-e", func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
			return nil, false
		})
		require.NoError(t, err)

		got, ok, err := storage.Get(ctx, "key-e")
		require.NoError(t, err)
		require.True(t, ok)
		body, _ := got.Body.Bytes()
		assert.Equal(t, []byte("v1"), body)
	})

	t.Run("ConcurrentUpdateIsLinearizable", func(t *testing.T) {
		require.NoError(t, storage.Put(ctx, "key-f", newEntry("http://example.com/f", 200, "")))

		const writers = 20
		var wg sync.WaitGroup
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func(n int) {
				defer wg.Done()
				_ = storage.Update(ctx, "key-f", func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
					next := *current
					next.VariantMap = incrementedCounter(current.VariantMap, n)
					return &next, true
				})
			}(i)
		}
		wg.Wait()

		got, ok, err := storage.Get(ctx, "key-f")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, got.VariantMap, writers)
	})

	t.Run("GetMany", func(t *testing.T) {
		require.NoError(t, storage.Put(ctx, "key-g1", newEntry("http://example.com/g1", 200, "g1")))
		require.NoError(t, storage.Put(ctx, "key-g2", newEntry("http://example.com/g2", 200, "g2")))

		many, err := storage.GetMany(ctx, []string{"key-g1", "key-g2", "key-g-missing"})
		require.NoError(t, err)
		assert.Len(t, many, 2)
		assert.Contains(t, many, "key-g1")
		assert.Contains(t, many, "key-g2")
	})
}

// incrementedCounter records writer n's participation in a shared map so
// the conformance test can assert every concurrent Update observed its
// own call rather than being silently dropped by a racy implementation.
func incrementedCounter(m map[string]string, n int) map[string]string {
	out := map[string]string{}
	for k, v := range m {
		out[k] = v
	}
	out[itoa(n)] = "1"
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
