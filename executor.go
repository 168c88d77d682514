package cachekit

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Response header markers the executor adds, mirroring the teacher's
// X-From-Cache family so downstream middleware can introspect outcomes.
const (
	HeaderFromCache   = "X-From-Cache"
	HeaderRevalidated = "X-Revalidated"
	HeaderStale       = "X-Stale"
)

// Executor is C6: the component that glues cache key derivation (C1),
// storage (C2), entries (C3), freshness (C4) and invalidation (C5) into
// the request/response state machine of §5.
type Executor struct {
	storage    Storage
	cfg        Config
	resilience *ResilienceConfig
}

// NewExecutor builds an Executor over storage using cfg. resilience may
// be nil to disable retry/circuit-breaker wrapping of upstream calls.
func NewExecutor(storage Storage, cfg Config, resilience *ResilienceConfig) *Executor {
	return &Executor{storage: storage, cfg: cfg, resilience: resilience}
}

func (ex *Executor) transport() http.RoundTripper {
	if ex.cfg.Transport != nil {
		return ex.cfg.Transport
	}
	return http.DefaultTransport
}

// Execute runs req through the cache state machine and returns the
// response the caller should see: a synthesized cache hit, a revalidated
// or freshly-fetched upstream response, or a 504 for only-if-cached
// misses.
func (ex *Executor) Execute(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	key, err := CanonicalURI(req.Host, req.URL.String())
	if err != nil {
		return nil, &ProtocolError{Reason: "cannot derive cache key", Err: err}
	}

	if !cacheableMethod(req) {
		resp, err := ex.fetchUpstream(req)
		if err == nil && isUnsafeMethod(req.Method) {
			if invErr := Invalidate(ctx, ex.storage, req.Host, req.URL.String(), resp.Header, resp.StatusCode); invErr != nil {
				GetLogger().Warn("invalidation failed", "key", key, "error", invErr)
			}
		}
		return resp, err
	}

	key = ApplyCacheKeyHeaders(key, ex.cfg.CacheKeyHeaders, req.Header)

	rcc := ParseRequestCacheControl(req.Header)

	entry, storageKey, found, err := ex.lookup(ctx, key, req)
	if err != nil {
		GetLogger().Warn("storage lookup failed", "key", key, "error", err)
		found = false
	}

	if !found {
		if rcc.OnlyIfCached {
			return onlyIfCachedResponse(req), nil
		}
		return ex.miss(req, key)
	}

	// entry's body (if any) was Acquire()'d by the storage's Get on our
	// behalf; Release it when this call is done with it, so a concurrent
	// Remove/eviction on the same key cannot dispose the resource out
	// from under the read in buildResponse below (§5 shared-resource
	// policy).
	if entry.Body != nil {
		defer entry.Body.Release()
	}

	suit := evaluateSuitability(entry, req.Method, req.Header, clock.Now(), ex.cfg)
	if !suit.Suitable {
		if rcc.OnlyIfCached {
			return onlyIfCachedResponse(req), nil
		}
		return ex.revalidate(req, entry, key, storageKey)
	}

	resp := ex.buildResponse(entry, suit)

	if suit.StaleWhileRevalidate {
		if !ex.cfg.DisableWarningHeader {
			addStaleWarning(resp.Header)
		}
		ex.asyncRevalidate(req)
	}

	return resp, nil
}

// lookup resolves the root entry at key and, if it carries a Vary-based
// VariantMap, follows it to the variant entry matching req's headers.
func (ex *Executor) lookup(ctx context.Context, key string, req *http.Request) (*CacheEntry, string, bool, error) {
	root, ok, err := ex.storage.Get(ctx, key)
	if err != nil {
		return nil, "", false, err
	}
	if !ok {
		return nil, "", false, nil
	}
	if !root.IsRoot() {
		return root, key, true, nil
	}

	varyHeader := root.ResponseHeader.Get("Vary")
	variantKey, ok := VariantKey(varyHeader, req.Header)
	if !ok {
		return nil, "", false, nil
	}
	storageKey, known := root.VariantMap[variantKey]
	if !known {
		return nil, "", false, nil
	}
	variant, ok, err := ex.storage.Get(ctx, storageKey)
	if err != nil {
		return nil, "", false, err
	}
	if !ok {
		return nil, "", false, nil
	}
	return variant, storageKey, true, nil
}

func cacheableMethod(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return req.Header.Get("Range") == ""
}

func isUnsafeMethod(method string) bool {
	return unsafeMethods[method]
}

// miss fetches from upstream and stores the result if cacheable.
func (ex *Executor) miss(req *http.Request, key string) (*http.Response, error) {
	resp, err := ex.fetchUpstream(req)
	if err != nil {
		return nil, err
	}
	ex.store(req, resp, key)
	return resp, nil
}

// revalidate adds conditional validators to a clone of req and issues it
// upstream, merging a 304 into the stale entry or replacing it on 200,
// falling back to the stale entry under stale-if-error when the origin
// fails.
func (ex *Executor) revalidate(req *http.Request, stale *CacheEntry, key, storageKey string) (*http.Response, error) {
	condReq := addValidators(req, stale)

	resp, err := ex.fetchUpstream(condReq)

	if err == nil && cacheableMethod(req) && resp.StatusCode == http.StatusNotModified {
		drain(resp.Body)
		merged, mergeErr := ex.mergeNotModified(req.Context(), stale, resp.Header, key, storageKey)
		if mergeErr != nil {
			GetLogger().Warn("304 merge failed", "key", storageKey, "error", mergeErr)
		}
		return merged, nil
	}

	hasFailure := err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError)
	if hasFailure {
		rcc := ParseRequestCacheControl(req.Header)
		rscc := ParseResponseCacheControl(stale.ResponseHeader)
		if staleIfErrorEligible(CurrentAge(stale, clock.Now()), rcc, rscc, ex.cfg.PermitStaleIfError) {
			if resp != nil {
				drain(resp.Body)
			}
			fallback := ex.buildResponse(stale, suitabilityResult{})
			fallback.Header.Set(HeaderStale, "1")
			if !ex.cfg.DisableWarningHeader {
				addRevalidationFailedWarning(fallback.Header)
			}
			return fallback, nil
		}
	}

	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		if delErr := ex.storage.Remove(req.Context(), storageKey); delErr != nil {
			GetLogger().Warn("failed to remove stale entry", "key", storageKey, "error", delErr)
		}
	}

	ex.store(req, resp, key)
	return resp, nil
}

// mergeNotModified applies §4.5.2: copy the end-to-end headers of a 304
// onto the stored entry and republish it, unless the 304's Date is older
// than the stored entry's (in which case the stored entry wins as-is).
func (ex *Executor) mergeNotModified(ctx context.Context, stale *CacheEntry, freshHeader http.Header, key, storageKey string) (*http.Response, error) {
	newDate, hasNewDate := headerDate(freshHeader)
	oldDate, hasOldDate := headerDate(stale.ResponseHeader)

	merged := *stale
	merged.ResponseHeader = cloneHeader(stale.ResponseHeader)

	if !hasNewDate || !hasOldDate || !newDate.Before(oldDate) {
		for name, values := range filterHeaders(freshHeader) {
			if name == "Content-Length" {
				continue
			}
			merged.ResponseHeader[name] = values
		}
		merged.ResponseInstant = clock.Now()
	}

	stripWarning1xxHeaders(merged.ResponseHeader)

	err := ex.storage.Update(ctx, storageKey, func(current *CacheEntry) (*CacheEntry, bool) {
		return &merged, true
	})
	if err != nil {
		return ex.buildResponse(stale, suitabilityResult{}), err
	}

	resp := ex.buildResponse(&merged, suitabilityResult{})
	resp.Header.Set(HeaderRevalidated, "1")
	return resp, nil
}

// store writes resp into storage keyed by key if it is cacheable,
// handling Vary-based variant separation (§4.1) by writing a root
// variant-index entry plus a body-bearing variant entry.
func (ex *Executor) store(req *http.Request, resp *http.Response, key string) {
	ctx := req.Context()
	rcc := ParseRequestCacheControl(req.Header)
	rscc := ParseResponseCacheControl(resp.Header)

	if !isCacheableStatus(resp.StatusCode, resp.Header, ex.cfg) || !canStore(rcc, rscc, ex.cfg.SharedCache, req.Header) {
		if err := ex.storage.Remove(ctx, key); err != nil {
			GetLogger().Warn("failed to remove uncacheable entry", "key", key, "error", err)
		}
		return
	}

	body, tooLarge, err := readBody(resp, ex.cfg.MaxObjectSizeBytes)
	if err != nil {
		GetLogger().Warn("failed to buffer response body for caching", "key", key, "error", err)
		return
	}
	if tooLarge {
		return
	}

	reqInstant := clock.Now()
	respInstant := clock.Now()

	varyHeader := resp.Header.Get("Vary")
	variantKey, ok := VariantKey(varyHeader, req.Header)
	if !ok {
		// Vary: * - uncacheable as a shared resource; store nothing.
		if err := ex.storage.Remove(ctx, key); err != nil {
			GetLogger().Warn("failed to remove Vary:* entry", "key", key, "error", err)
		}
		return
	}

	if varyHeader == "" {
		entry := newCacheEntry(req.Method, key, req.Header, resp.StatusCode, resp.Header, body, reqInstant, respInstant)
		if err := ex.storage.Put(ctx, key, entry); err != nil {
			GetLogger().Warn("failed to store cache entry", "key", key, "error", err)
		}
		return
	}

	storageKey := VariantStorageKey(key, variantKey)
	variantEntry := newCacheEntry(req.Method, key, req.Header, resp.StatusCode, resp.Header, body, reqInstant, respInstant)
	if err := ex.storage.Put(ctx, storageKey, variantEntry); err != nil {
		GetLogger().Warn("failed to store variant entry", "key", storageKey, "error", err)
		return
	}

	err = ex.storage.Update(ctx, key, func(current *CacheEntry) (*CacheEntry, bool) {
		variantMap := map[string]string{}
		if current != nil && current.IsRoot() {
			for k, v := range current.VariantMap {
				variantMap[k] = v
			}
		}
		variantMap[variantKey] = storageKey
		root := newCacheEntry(req.Method, key, req.Header, resp.StatusCode, resp.Header, nil, reqInstant, respInstant)
		root.VariantMap = variantMap
		return root, true
	})
	if err != nil {
		GetLogger().Warn("failed to update variant index", "key", key, "error", err)
	}
}

// isCacheableStatus implements §4.5.1: status codes cacheable by
// default, extended by must-understand (§5.2.2.3) and the Config's
// ShouldCache hook.
func isCacheableStatus(status int, respHeader http.Header, cfg Config) bool {
	rscc := ParseResponseCacheControl(respHeader)
	if rscc.MustUnderstand && understoodStatusCodes[status] {
		return true
	}
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusPartialContent, http.StatusMultipleChoices, http.StatusMovedPermanently,
		http.StatusPermanentRedirect, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusGone,
		http.StatusRequestURITooLong, http.StatusNotImplemented:
		return true
	}
	if cfg.ShouldCache != nil {
		return cfg.ShouldCache(status, respHeader)
	}
	return false
}

// canStore implements the storage-eligibility checks of §3/§4.5.1: no
// no-store on either side, and shared-cache refusal of Private/
// Authorization-bearing responses unless explicitly re-authorized.
func canStore(rcc RequestCacheControl, rscc ResponseCacheControl, sharedCache bool, reqHeader http.Header) bool {
	if rcc.NoStore || rscc.NoStore {
		return false
	}
	if !sharedCache {
		return true
	}
	if rscc.Private && len(rscc.PrivateFieldNames) == 0 {
		return false
	}
	if reqHeader.Get("Authorization") != "" {
		if !(rscc.MustRevalidate || rscc.Public || rscc.SMaxAge != unsetAge) {
			return false
		}
	}
	return true
}

// buildResponse synthesizes an *http.Response for entry, setting Age,
// X-From-Cache, and (when applicable) a 113 heuristic-expiration Warning,
// without consuming entry.Body — each call acquires a fresh read view.
func (ex *Executor) buildResponse(entry *CacheEntry, suit suitabilityResult) *http.Response {
	header := cloneHeader(entry.ResponseHeader)
	header.Set(HeaderFromCache, "1")

	now := clock.Now()
	age := CurrentAge(entry, now)
	header.Set("Age", FormatAge(age))

	var bodyBytes []byte
	var contentLength int64
	if entry.Body != nil {
		if b, err := entry.Body.Bytes(); err == nil {
			bodyBytes = b
			contentLength = entry.Body.Length()
		}
	}

	if suit.Heuristic && !ex.cfg.DisableWarningHeader {
		if age > ex.cfg.HeuristicDefaultLifetime {
			addHeuristicExpirationWarning(header)
		}
	}

	return &http.Response{
		Status:        http.StatusText(entry.Status),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: contentLength,
	}
}

// fetchUpstream performs the network round trip, wrapped in the
// configured resilience policies.
func (ex *Executor) fetchUpstream(req *http.Request) (*http.Response, error) {
	return executeWithResilience(ex.resilience, func() (*http.Response, error) {
		return ex.transport().RoundTrip(req)
	})
}

// asyncRevalidate issues a background no-cache revalidation for req,
// draining and discarding the body; the store() path inside the nested
// Execute call persists the refreshed entry.
func (ex *Executor) asyncRevalidate(req *http.Request) {
	bgCtx := context.Background()
	var cancel context.CancelFunc
	if ex.cfg.AsyncRevalidateTimeout > 0 {
		bgCtx, cancel = context.WithTimeout(bgCtx, ex.cfg.AsyncRevalidateTimeout)
	}

	clone := req.Clone(bgCtx)
	clone.Header.Set("Cache-Control", "no-cache")

	go func() {
		if cancel != nil {
			defer cancel()
		}
		resp, err := ex.Execute(clone)
		if err != nil {
			GetLogger().Warn("async revalidation failed", "url", req.URL.String(), "error", err)
			return
		}
		drain(resp.Body)
	}()
}

func addValidators(req *http.Request, stale *CacheEntry) *http.Request {
	etag := stale.ResponseHeader.Get("Etag")
	lastModified := stale.ResponseHeader.Get("Last-Modified")

	needsEtag := etag != "" && req.Header.Get("If-None-Match") == ""
	needsLastModified := lastModified != "" && req.Header.Get("If-Modified-Since") == ""
	if !needsEtag && !needsLastModified {
		return req
	}

	clone := req.Clone(req.Context())
	if needsEtag {
		clone.Header.Set("If-None-Match", etag)
	}
	if needsLastModified {
		clone.Header.Set("If-Modified-Since", lastModified)
	}
	return clone
}

func onlyIfCachedResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:     http.StatusText(http.StatusGatewayTimeout),
		StatusCode: http.StatusGatewayTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func readBody(resp *http.Response, maxSize int64) (res Resource, tooLarge bool, err error) {
	if resp.Body == nil {
		return nil, false, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, false, &StorageIoError{Op: "read body", Err: err}
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))

	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, true, nil
	}
	return NewBytesResource(data), false, nil
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, body)
	body.Close()
}
