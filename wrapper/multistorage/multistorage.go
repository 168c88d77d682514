// Package multistorage composes several cachekit.Storage backends into a
// single tiered cache: tiers are ordered from fastest/smallest to
// slowest/largest, reads search tiers in order and promote hits to every
// faster tier, and writes go to all tiers.
package multistorage

import (
	"context"

	"github.com/cachekit/cachekit"
)

// MultiStorage fans a single logical Storage out over an ordered list of
// tiers. Tier 0 is consulted first on Get and is the sole source of CAS
// truth for Update; slower tiers only ever receive best-effort writes.
type MultiStorage struct {
	tiers []cachekit.Storage
}

// New builds a MultiStorage from tiers ordered fastest first. It returns
// nil if no tiers are given, any tier is nil, or the same tier appears
// more than once.
func New(tiers ...cachekit.Storage) *MultiStorage {
	if len(tiers) == 0 {
		return nil
	}
	seen := make(map[cachekit.Storage]bool, len(tiers))
	for _, t := range tiers {
		if t == nil {
			return nil
		}
		if seen[t] {
			return nil
		}
		seen[t] = true
	}
	return &MultiStorage{tiers: tiers}
}

// Get searches tiers in order and promotes a hit to every faster tier.
func (m *MultiStorage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	for i, tier := range m.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		m.promoteToFasterTiers(ctx, key, entry, i)
		return entry, true, nil
	}
	return nil, false, nil
}

// Put writes to every tier, returning the first error encountered.
func (m *MultiStorage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	for _, tier := range m.tiers {
		if err := tier.Put(ctx, key, entry); err != nil {
			return err
		}
	}
	return nil
}

// Update runs the CAS operation against tier 0 only, then propagates the
// resulting entry to the remaining tiers on a best-effort basis. A
// multi-tier composite has no single backend capable of a linearizable
// CAS across all tiers at once, so tier 0 is treated as the authority and
// slower tiers are kept eventually consistent with it, the same
// asymmetry the teacher applies between reads (promote) and writes
// (write-through).
func (m *MultiStorage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	var captured *cachekit.CacheEntry
	var changed bool
	wrapped := func(current *cachekit.CacheEntry) (*cachekit.CacheEntry, bool) {
		next, ok := f(current)
		captured = next
		changed = ok
		return next, ok
	}

	if err := m.tiers[0].Update(ctx, key, wrapped); err != nil {
		return err
	}
	if !changed || captured == nil {
		return nil
	}
	for i := 1; i < len(m.tiers); i++ {
		_ = m.tiers[i].Put(ctx, key, captured)
	}
	return nil
}

// Remove deletes from every tier, returning the first error encountered.
func (m *MultiStorage) Remove(ctx context.Context, key string) error {
	for _, tier := range m.tiers {
		if err := tier.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMany looks up each key independently so promotion behaves the same
// as a sequence of Get calls.
func (m *MultiStorage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	out := make(map[string]*cachekit.CacheEntry, len(keys))
	for _, key := range keys {
		entry, ok, err := m.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = entry
		}
	}
	return out, nil
}

func (m *MultiStorage) promoteToFasterTiers(ctx context.Context, key string, entry *cachekit.CacheEntry, foundAtTier int) {
	for i := 0; i < foundAtTier; i++ {
		_ = m.tiers[i].Put(ctx, key, entry)
	}
}

var _ cachekit.Storage = (*MultiStorage)(nil)
