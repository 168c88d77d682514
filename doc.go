// Package cachekit implements the core of an HTTP/1.1 caching client
// intermediary: request-dispatch decision logic, freshness and age
// arithmetic, conditional revalidation, response-suitability checking,
// invalidation on unsafe methods, and a CAS-based storage contract with
// pluggable backends and Vary-based variant handling.
//
// The engine is RFC 7234 compliant. It is transport-agnostic: callers
// supply a Backend that performs the actual origin round-trip, and a
// Storage implementation that persists CacheEntry values. Concrete
// backends (redis, postgres, mongo, ...) live in their own subpackages
// and satisfy the Storage contract defined here.
package cachekit
