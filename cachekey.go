package cachekit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CanonicalURI implements §4.1's canonical URI algorithm: resolve the
// request-target against the target host, lowercase scheme and host,
// drop a default port (80 for http, 443 for https) and the fragment,
// and preserve the query string byte-for-byte. The result is the
// storage key.
func CanonicalURI(targetHost, requestTarget string) (string, error) {
	base := targetHost
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", &ProtocolError{Reason: "invalid target host", Err: err}
	}

	ref, err := url.Parse(requestTarget)
	if err != nil {
		return "", &ProtocolError{Reason: "invalid request-target", Err: err}
	}

	u := baseURL.ResolveReference(ref)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := splitDefaultPort(u.Scheme, u.Host); ok {
		u.Host = host
		_ = port
	}

	return u.String(), nil
}

func splitDefaultPort(scheme, host string) (string, string, bool) {
	idx := strings.LastIndexByte(host, ':')
	if idx < 0 {
		return host, "", false
	}
	hostname, port := host[:idx], host[idx+1:]
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return hostname, port, true
	}
	return host, "", false
}

// VariantKey implements §4.1's variant key algorithm: given the comma-
// separated Vary header names and the current request's headers,
// produce the deterministic hex digest that identifies this variant.
// A Vary value of "*" yields ("", false): the response is uncacheable.
func VariantKey(varyHeader string, reqHeader http.Header) (string, bool) {
	names := splitVaryNames(varyHeader)
	if len(names) == 0 {
		return "", true // no Vary: single (root-only) entry
	}
	for _, n := range names {
		if n == "*" {
			return "", false
		}
	}

	sort.Strings(names)
	var sb strings.Builder
	for i, n := range names {
		if i > 0 {
			sb.WriteByte(';')
		}
		values := reqHeader.Values(http.CanonicalHeaderKey(n))
		sb.WriteString(n)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(values, ", "))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), true
}

func splitVaryNames(varyHeader string) []string {
	if varyHeader == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(varyHeader, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// VariantStorageKey builds the composite storage key for a body-bearing
// variant entry: {base_key}#{variant_key} (§3).
func VariantStorageKey(baseKey, variantKey string) string {
	return fmt.Sprintf("%s#%s", baseKey, variantKey)
}

// ApplyCacheKeyHeaders folds the values of the named request headers into
// key, mirroring the teacher's cacheKeyWithHeaders: each configured header
// present on the request contributes a "Name:value" part, the parts are
// sorted for determinism, and the result is appended to key separated by
// "|". Headers absent from the request are skipped; an empty headers list
// or a request carrying none of them leaves key unchanged.
func ApplyCacheKeyHeaders(key string, headers []string, reqHeader http.Header) string {
	if len(headers) == 0 {
		return key
	}
	var parts []string
	for _, name := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if v := reqHeader.Get(canonical); v != "" {
			parts = append(parts, canonical+":"+v)
		}
	}
	if len(parts) == 0 {
		return key
	}
	sort.Strings(parts)
	return key + "|" + strings.Join(parts, "|")
}
