package cachekit

import (
	"net/http"
	"strings"
	"time"
)

// hop-by-hop headers per §9 (RFC 7230 §6.1), stripped from every stored
// entry and from the header set merged in on a 304 response. Any header
// named by a Connection header on the message being processed is
// additionally stripped by filterHeaders/connectionHeaderNames.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// CacheEntry is an immutable snapshot of an origin response plus the
// metadata needed to evaluate freshness and suitability for later
// requests (§3). An entry is never mutated after insertion; "updating"
// an entry means publishing a new *CacheEntry via Storage.Update at the
// same key.
type CacheEntry struct {
	RequestInstant  time.Time
	ResponseInstant time.Time

	// RequestMethod distinguishes GET- from HEAD-produced entries. A
	// HEAD-produced entry may satisfy a later HEAD but never a GET.
	RequestMethod string
	// RequestURI is the canonical absolute URI used as the storage key.
	RequestURI string
	// RequestHeader is the filtered request header set (no hop-by-hop
	// headers, Authorization stripped).
	RequestHeader http.Header

	Status int
	// ResponseHeader is the filtered response header set (no hop-by-hop
	// headers; Date synthesized at store time if the origin omitted it).
	ResponseHeader http.Header

	// Body is nil for root/variant-index entries (§3 root vs variant
	// entries) and for entries whose response carried no body.
	Body Resource

	// VariantMap maps variant_key -> storage_key. Populated only on the
	// root entry of a Vary-bearing resource; empty otherwise.
	VariantMap map[string]string
}

// IsRoot reports whether e is a Vary root entry (no body, only a variant
// index).
func (e *CacheEntry) IsRoot() bool {
	return e.Body == nil && len(e.VariantMap) > 0
}

// Usable applies the read-time sanity check from §3: an entry observed
// with response_instant before request_instant is treated as unusable.
func (e *CacheEntry) Usable() bool {
	if e == nil {
		return false
	}
	return !e.ResponseInstant.Before(e.RequestInstant)
}

// filterHeaders returns a copy of h with hop-by-hop headers removed,
// including any header named by h's own Connection field, per §9.
func filterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	strip := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				strip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range h {
		canon := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canon] || strip[canon] {
			continue
		}
		cp := make([]string, len(values))
		copy(cp, values)
		out[canon] = cp
	}
	return out
}

// filterRequestHeaders builds the RequestHeader field for a stored
// entry: hop-by-hop headers removed and Authorization stripped (§3).
func filterRequestHeaders(h http.Header) http.Header {
	out := filterHeaders(h)
	out.Del("Authorization")
	return out
}

// filterResponseHeaders builds the ResponseHeader field for a stored
// entry: hop-by-hop headers removed, Date synthesized if missing (§3).
func filterResponseHeaders(h http.Header, now time.Time) http.Header {
	out := filterHeaders(h)
	if out.Get("Date") == "" {
		out.Set("Date", now.UTC().Format(http.TimeFormat))
	}
	return out
}

// newCacheEntry builds the immutable entry written at MISS/REVALIDATE
// store time.
func newCacheEntry(method, uri string, reqHeader http.Header, status int, respHeader http.Header, body Resource, reqInstant, respInstant time.Time) *CacheEntry {
	return &CacheEntry{
		RequestInstant:  reqInstant,
		ResponseInstant: respInstant,
		RequestMethod:   method,
		RequestURI:      uri,
		RequestHeader:   filterRequestHeaders(reqHeader),
		Status:          status,
		ResponseHeader:  filterResponseHeaders(respHeader, respInstant),
		Body:            body,
	}
}

// contentLengthMismatch implements the partial-response guard from §3:
// a Content-Length header that disagrees with the authoritative resource
// length marks the entry unsuitable for serving.
func contentLengthMismatch(e *CacheEntry) bool {
	if e.Body == nil {
		return false
	}
	cl := e.ResponseHeader.Get("Content-Length")
	if cl == "" {
		return false
	}
	var want int64
	for _, c := range cl {
		if c < '0' || c > '9' {
			return false // unparseable, not our concern here
		}
		want = want*10 + int64(c-'0')
	}
	return want != e.Body.Length()
}
