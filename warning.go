package cachekit

import "net/http"

const headerWarning = "Warning"

const (
	warningResponseIsStale     = `110 - "Response is Stale"`
	warningRevalidationFailed  = `111 - "Revalidation Failed"`
	warningHeuristicExpiration = `113 - "Heuristic Expiration"`
)

// addWarningHeader appends a Warning header (§5.5). Warning headers
// stack, so this uses Add rather than Set.
func addWarningHeader(h http.Header, code string) {
	h.Add(headerWarning, code)
}

func addStaleWarning(h http.Header) {
	addWarningHeader(h, warningResponseIsStale)
}

func addRevalidationFailedWarning(h http.Header) {
	addWarningHeader(h, warningRevalidationFailed)
}

func addHeuristicExpirationWarning(h http.Header) {
	addWarningHeader(h, warningHeuristicExpiration)
}

// stripWarning1xxHeaders removes any Warning value in the 1xx range from
// h. §4.5.2 requires this unconditionally on the result of a 304 merge,
// since a 1xx Warning describes staleness of the response it was
// attached to and must not be carried forward onto a just-validated one.
func stripWarning1xxHeaders(h http.Header) {
	values := h.Values(headerWarning)
	if len(values) == 0 {
		return
	}
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if warningCodeClass(v) == 1 {
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		h.Del(headerWarning)
		return
	}
	h[http.CanonicalHeaderKey(headerWarning)] = kept
}

// warningCodeClass returns the leading digit of a Warning value's
// 3-digit status code, or -1 if v does not start with one.
func warningCodeClass(v string) int {
	if len(v) < 3 {
		return -1
	}
	for i := 0; i < 3; i++ {
		if v[i] < '0' || v[i] > '9' {
			return -1
		}
	}
	return int(v[0] - '0')
}
