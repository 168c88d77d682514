package cachekit

import (
	"context"
	"net/http"
	"strings"
)

// unsafeMethods lists the methods whose successful response invalidates
// cached entries for the affected URI(s), per §4.4.
var unsafeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// invalidationSuccess reports whether status is a "successful" response
// for invalidation purposes: any 2xx/3xx other than 304, plus 404 and 410
// which also invalidate a now-confirmed-gone resource.
func invalidationSuccess(status int) bool {
	if status == http.StatusNotModified {
		return false
	}
	if status >= 200 && status < 400 {
		return true
	}
	return status == http.StatusNotFound || status == http.StatusGone
}

// invalidationTargets computes the set of canonical URIs that an unsafe
// request/response pair invalidates: the effective request URI itself,
// plus Location and Content-Location when they are same-origin with it
// (§4.4). Cross-origin references are never invalidated.
func invalidationTargets(targetHost, requestTarget string, respHeader http.Header) []string {
	effective, err := CanonicalURI(targetHost, requestTarget)
	if err != nil {
		return nil
	}
	targets := []string{effective}

	for _, field := range []string{"Location", "Content-Location"} {
		v := respHeader.Get(field)
		if v == "" {
			continue
		}
		candidate, err := CanonicalURI(targetHost, v)
		if err != nil {
			continue
		}
		if sameOrigin(effective, candidate) {
			targets = append(targets, candidate)
		}
	}
	return targets
}

func sameOrigin(a, b string) bool {
	ah, aok := originOf(a)
	bh, bok := originOf(b)
	return aok && bok && ah == bh
}

func originOf(uri string) (string, bool) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", false
	}
	rest := uri[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return uri[:idx] + "://" + rest, true
}

// skipInvalidation implements §4.4's "do-not-invalidate" exception: when
// both carry a Date, the target is left alone only if the response's Date
// is strictly older than the stored entry's; otherwise, when both carry
// an ETag, it is left alone if the ETags are identical.
func skipInvalidation(respHeader, storedHeader http.Header) bool {
	if newDate, ok := headerDate(respHeader); ok {
		if oldDate, ok := headerDate(storedHeader); ok {
			return newDate.Before(oldDate)
		}
	}
	respETag := respHeader.Get("Etag")
	storedETag := storedHeader.Get("Etag")
	if respETag != "" && storedETag != "" {
		return respETag == storedETag
	}
	return false
}

// Invalidate removes the cache entries targeted by an unsafe method's
// response, per §4.4. For each target it fetches the current entry,
// applies the date/ETag do-not-invalidate guard, and — when the entry is
// a Vary root — removes every variant entry before the root itself so no
// orphaned variant body is left unreachable in the backend.
//
// Invalidate never returns an error for a target that was never cached;
// it only reports storage-layer failures.
func Invalidate(ctx context.Context, storage Storage, targetHost, requestTarget string, respHeader http.Header, status int) error {
	if !invalidationSuccess(status) {
		return nil
	}
	for _, key := range invalidationTargets(targetHost, requestTarget, respHeader) {
		entry, ok, err := storage.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		// Get acquired entry's body on our behalf (§5); Invalidate only
		// ever inspects headers/VariantMap, never the body, so release
		// immediately rather than holding it for the rest of the loop.
		if entry.Body != nil {
			entry.Body.Release()
		}
		if skipInvalidation(respHeader, entry.ResponseHeader) {
			continue
		}
		if entry.IsRoot() {
			for _, variantStorageKey := range entry.VariantMap {
				if err := storage.Remove(ctx, variantStorageKey); err != nil {
					return err
				}
			}
		}
		if err := storage.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
