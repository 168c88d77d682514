package freecachestorage

import (
	"testing"

	"github.com/cachekit/cachekit/storagetest"
)

func TestFreecacheStorage(t *testing.T) {
	storage := New(1024 * 1024)
	storagetest.Storage(t, storage)
}
