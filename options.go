package cachekit

import (
	"net/http"
	"time"
)

// Config holds the executor's tunables (§6). Build one with NewConfig
// and zero or more ConfigOptions.
type Config struct {
	// SharedCache selects shared-cache semantics: s-maxage and
	// proxy-revalidate apply, and Private responses are refused storage.
	// Default: false (private/single-user cache).
	SharedCache bool

	// MaxCacheEntries is a storage sizing hint; 0 means unbounded. The
	// executor does not read it: MemoryStorage takes its bound from
	// NewMemoryStorage, and other backends enforce their own limits.
	MaxCacheEntries int

	// MaxObjectSizeBytes refuses to store response bodies larger than
	// this many bytes; 0 means unbounded.
	MaxObjectSizeBytes int64

	// HeuristicCoefficient scales (Date - Last-Modified) when no
	// explicit freshness information is present (§4.3). Default: 0.1,
	// matching the 10% recommended by RFC 7234 §4.2.2.
	HeuristicCoefficient float64

	// HeuristicDefaultLifetime caps the heuristic lifetime computed
	// above. Default: 24h.
	HeuristicDefaultLifetime time.Duration

	// PermitStaleIfError enables RFC 5861 stale-if-error recovery when
	// the origin is unreachable or returns 5xx. Default: true.
	PermitStaleIfError bool

	// AsyncRevalidateTimeout bounds the background revalidation request
	// issued when a stale-while-revalidate entry is served. Zero means
	// no timeout.
	AsyncRevalidateTimeout time.Duration

	// DisableWarningHeader suppresses the deprecated Warning response
	// header (RFC 9111 obsoletes it; RFC 7234 still specifies it).
	DisableWarningHeader bool

	// CacheKeyHeaders lists additional request header names folded into
	// the cache key alongside the canonical URI, independent of any
	// Vary-driven variant separation.
	CacheKeyHeaders []string

	// ShouldCache, when non-nil, overrides the default cacheable-status
	// check (§4.5.1) for non-webstandard status codes.
	ShouldCache func(status int, header http.Header) bool

	// Transport is the upstream RoundTripper used for MISS/REVALIDATE
	// requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// ConfigOption configures a Config. Use the With* functions.
type ConfigOption func(*Config) error

// NewConfig builds a Config from its defaults plus opts, in order.
// Returns a *ConfigError if any option rejects its value.
func NewConfig(opts ...ConfigOption) (Config, error) {
	cfg := Config{
		HeuristicCoefficient:     0.1,
		HeuristicDefaultLifetime: 24 * time.Hour,
		PermitStaleIfError:       true,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithSharedCache enables shared-cache semantics (s-maxage,
// proxy-revalidate, Private-response refusal). Default: false.
func WithSharedCache(shared bool) ConfigOption {
	return func(c *Config) error {
		c.SharedCache = shared
		return nil
	}
}

// WithMaxCacheEntries sets the MaxCacheEntries hint. n must be >= 0.
func WithMaxCacheEntries(n int) ConfigOption {
	return func(c *Config) error {
		if n < 0 {
			return &ConfigError{Field: "MaxCacheEntries", Reason: "must be >= 0"}
		}
		c.MaxCacheEntries = n
		return nil
	}
}

// WithMaxObjectSizeBytes refuses to store bodies larger than n bytes.
// n must be >= 0.
func WithMaxObjectSizeBytes(n int64) ConfigOption {
	return func(c *Config) error {
		if n < 0 {
			return &ConfigError{Field: "MaxObjectSizeBytes", Reason: "must be >= 0"}
		}
		c.MaxObjectSizeBytes = n
		return nil
	}
}

// WithHeuristicFreshness sets the coefficient applied to
// Date-Last-Modified and the cap on the resulting lifetime. coefficient
// must be in (0, 1].
func WithHeuristicFreshness(coefficient float64, maxLifetime time.Duration) ConfigOption {
	return func(c *Config) error {
		if coefficient <= 0 || coefficient > 1 {
			return &ConfigError{Field: "HeuristicCoefficient", Reason: "must be in (0, 1]"}
		}
		if maxLifetime < 0 {
			return &ConfigError{Field: "HeuristicDefaultLifetime", Reason: "must be >= 0"}
		}
		c.HeuristicCoefficient = coefficient
		c.HeuristicDefaultLifetime = maxLifetime
		return nil
	}
}

// WithStaleIfError toggles RFC 5861 stale-if-error recovery.
// Default: true.
func WithStaleIfError(permit bool) ConfigOption {
	return func(c *Config) error {
		c.PermitStaleIfError = permit
		return nil
	}
}

// WithAsyncRevalidateTimeout bounds background stale-while-revalidate
// requests. Zero disables the timeout.
func WithAsyncRevalidateTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) error {
		if timeout < 0 {
			return &ConfigError{Field: "AsyncRevalidateTimeout", Reason: "must be >= 0"}
		}
		c.AsyncRevalidateTimeout = timeout
		return nil
	}
}

// WithDisableWarningHeader suppresses the Warning response header.
func WithDisableWarningHeader(disable bool) ConfigOption {
	return func(c *Config) error {
		c.DisableWarningHeader = disable
		return nil
	}
}

// WithCacheKeyHeaders folds the named request headers into the cache key.
func WithCacheKeyHeaders(headers []string) ConfigOption {
	return func(c *Config) error {
		c.CacheKeyHeaders = headers
		return nil
	}
}

// WithShouldCache overrides the default cacheable-status check.
func WithShouldCache(fn func(status int, header http.Header) bool) ConfigOption {
	return func(c *Config) error {
		c.ShouldCache = fn
		return nil
	}
}

// WithTransport sets the upstream RoundTripper. If nil,
// http.DefaultTransport is used for each upstream request.
func WithTransport(rt http.RoundTripper) ConfigOption {
	return func(c *Config) error {
		c.Transport = rt
		return nil
	}
}
