package cachekit

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	ccNoCache              = "no-cache"
	ccNoStore              = "no-store"
	ccOnlyIfCached         = "only-if-cached"
	ccMaxAge               = "max-age"
	ccMaxStale             = "max-stale"
	ccMinFresh             = "min-fresh"
	ccStaleIfError         = "stale-if-error"
	ccSMaxAge              = "s-maxage"
	ccPrivate              = "private"
	ccPublic               = "public"
	ccMustRevalidate       = "must-revalidate"
	ccProxyRevalidate      = "proxy-revalidate"
	ccMustUnderstand       = "must-understand"
	ccImmutable            = "immutable"
	ccStaleWhileRevalidate = "stale-while-revalidate"
)

// unsetAge is the sentinel for an absent integer-seconds directive.
const unsetAge = -1

// RequestCacheControl is the parsed, immutable record of a request's
// Cache-Control directives (§3).
type RequestCacheControl struct {
	MaxAge       int // seconds; unsetAge if absent
	MaxStale     int // seconds; unsetAge if absent or bare (see MaxStaleAny)
	MaxStaleAny  bool // bare "max-stale" with no value: any staleness accepted
	MinFresh     int // seconds; unsetAge if absent
	NoCache      bool
	NoStore      bool
	OnlyIfCached bool
	StaleIfError int // seconds; unsetAge if absent
	StaleIfErrorAny bool
}

// ResponseCacheControl is the parsed, immutable record of a response's
// Cache-Control directives (§3).
type ResponseCacheControl struct {
	MaxAge                int // seconds; unsetAge if absent
	SMaxAge               int // seconds; unsetAge if absent
	NoCache               bool
	NoCacheFieldNames      []string
	NoStore               bool
	Private               bool
	PrivateFieldNames     []string
	Public                bool
	MustRevalidate        bool
	ProxyRevalidate       bool
	MustUnderstand        bool
	Immutable             bool
	StaleWhileRevalidate  int // seconds; unsetAge if absent
	StaleIfError          int // seconds; unsetAge if absent
}

// rawDirectives is an intermediate map of directive name -> value, built
// once per header and then used to populate the two typed records. It
// mirrors the teacher's parseCacheControl, including duplicate-directive
// and conflicting-directive detection (RFC 9111 §4.2.1).
func rawDirectives(h http.Header) map[string]string {
	cc := map[string]string{}
	seen := map[string]bool{}
	log := GetLogger()

	// Split on commas outside quoted strings, so a quoted field-name list
	// such as no-cache="Set-Cookie, X-Internal" stays one directive.
	header := h.Get("Cache-Control")
	var parts []string
	inQuotes, start := false, 0
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, header[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, header[start:])

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var directive, value string
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			directive = strings.TrimSpace(part[:idx])
			value = strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)
		} else {
			directive = part
		}
		directive = strings.ToLower(directive)

		if seen[directive] {
			log.Warn("duplicate Cache-Control directive, using first value",
				"directive", directive, "ignored_value", value)
			continue
		}
		seen[directive] = true
		cc[directive] = value
	}

	if _, hasNoCache := cc[ccNoCache]; hasNoCache {
		if v, ok := cc[ccMaxAge]; ok && v != "" {
			log.Warn("conflicting Cache-Control directives detected", "conflict", "no-cache + max-age", "resolution", "no-cache takes precedence")
		}
	}
	if _, hasPrivate := cc[ccPrivate]; hasPrivate {
		if _, hasPublic := cc[ccPublic]; hasPublic {
			log.Warn("conflicting Cache-Control directives detected", "conflict", "public + private", "resolution", "private takes precedence")
			delete(cc, ccPublic)
		}
	}
	if _, hasNoStore := cc[ccNoStore]; hasNoStore {
		if v, ok := cc[ccMaxAge]; ok && v != "" {
			log.Warn("conflicting Cache-Control directives detected", "conflict", "no-store + max-age", "resolution", "no-store takes precedence", "value", v)
		}
		if _, ok := cc[ccMustRevalidate]; ok {
			log.Warn("conflicting Cache-Control directives detected", "conflict", "no-store + must-revalidate", "resolution", "no-store takes precedence")
		}
	}
	return cc
}

// parseSeconds parses a directive value as non-negative integer seconds,
// treating a negative parse as 0 and an unparseable value as absent.
func parseSeconds(cc map[string]string, name string) (int, bool) {
	v, ok := cc[name]
	if !ok {
		return unsetAge, false
	}
	if v == "" {
		return 0, true // bare directive with a value-carrying name: 0 seconds
	}
	if strings.Contains(v, ".") {
		GetLogger().Warn("invalid Cache-Control value (float not allowed)", "directive", name, "value", v)
		return unsetAge, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		GetLogger().Warn("invalid Cache-Control value (non-numeric)", "directive", name, "value", v)
		return unsetAge, false
	}
	if n < 0 {
		GetLogger().Warn("invalid Cache-Control value (negative), treating as 0", "directive", name, "value", v)
		return 0, true
	}
	return n, true
}

func fieldNames(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, http.CanonicalHeaderKey(p))
		}
	}
	return out
}

// ParseRequestCacheControl parses h's Cache-Control header into a
// RequestCacheControl record.
func ParseRequestCacheControl(h http.Header) RequestCacheControl {
	cc := rawDirectives(h)
	rcc := RequestCacheControl{MaxAge: unsetAge, MaxStale: unsetAge, MinFresh: unsetAge, StaleIfError: unsetAge}

	if n, ok := parseSeconds(cc, ccMaxAge); ok {
		rcc.MaxAge = n
	}
	if v, has := cc[ccMaxStale]; has {
		if v == "" {
			rcc.MaxStaleAny = true
		} else if n, ok := parseSeconds(cc, ccMaxStale); ok {
			rcc.MaxStale = n
		}
	}
	if n, ok := parseSeconds(cc, ccMinFresh); ok {
		rcc.MinFresh = n
	}
	if _, ok := cc[ccNoCache]; ok {
		rcc.NoCache = true
	}
	if _, ok := cc[ccNoStore]; ok {
		rcc.NoStore = true
	}
	if _, ok := cc[ccOnlyIfCached]; ok {
		rcc.OnlyIfCached = true
	}
	if v, has := cc[ccStaleIfError]; has {
		if v == "" {
			rcc.StaleIfErrorAny = true
		} else if n, ok := parseSeconds(cc, ccStaleIfError); ok {
			rcc.StaleIfError = n
		}
	}

	// RFC 7234 §5.4: Pragma: no-cache behaves as Cache-Control: no-cache
	// for requests that carry no Cache-Control header at all.
	if len(cc) == 0 && strings.EqualFold(h.Get("Pragma"), "no-cache") {
		rcc.NoCache = true
	}
	return rcc
}

// ParseResponseCacheControl parses h's Cache-Control header into a
// ResponseCacheControl record.
func ParseResponseCacheControl(h http.Header) ResponseCacheControl {
	cc := rawDirectives(h)
	rcc := ResponseCacheControl{MaxAge: unsetAge, SMaxAge: unsetAge, StaleWhileRevalidate: unsetAge, StaleIfError: unsetAge}

	if n, ok := parseSeconds(cc, ccMaxAge); ok {
		rcc.MaxAge = n
	}
	if n, ok := parseSeconds(cc, ccSMaxAge); ok {
		rcc.SMaxAge = n
	}
	if v, has := cc[ccNoCache]; has {
		rcc.NoCache = true
		rcc.NoCacheFieldNames = fieldNames(v)
	}
	if _, ok := cc[ccNoStore]; ok {
		rcc.NoStore = true
	}
	if v, has := cc[ccPrivate]; has {
		rcc.Private = true
		rcc.PrivateFieldNames = fieldNames(v)
	}
	if _, ok := cc[ccPublic]; ok {
		rcc.Public = true
	}
	if _, ok := cc[ccMustRevalidate]; ok {
		rcc.MustRevalidate = true
	}
	if _, ok := cc[ccProxyRevalidate]; ok {
		rcc.ProxyRevalidate = true
	}
	if _, ok := cc[ccMustUnderstand]; ok {
		rcc.MustUnderstand = true
	}
	if _, ok := cc[ccImmutable]; ok {
		rcc.Immutable = true
	}
	if n, ok := parseSeconds(cc, ccStaleWhileRevalidate); ok {
		rcc.StaleWhileRevalidate = n
	}
	if n, ok := parseSeconds(cc, ccStaleIfError); ok {
		rcc.StaleIfError = n
	}
	return rcc
}

// understoodStatusCodes lists the status codes a "must-understand"
// response may be stored under (RFC 9111 §5.2.2.3), shared with the
// cacheability check in executor.go.
var understoodStatusCodes = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true, 308: true,
	404: true, 405: true, 410: true, 414: true, 501: true,
}
