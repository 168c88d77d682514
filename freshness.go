package cachekit

import (
	"net/http"
	"time"
)

// FreshnessLifetime implements §4.3's ordered freshness-lifetime
// algorithm. heuristicCoefficient and heuristicMaxLifetime come from
// Config; sharedCache selects whether s-maxage applies. The boolean
// result reports whether the lifetime was derived heuristically from
// Last-Modified, which callers use to decide whether a Warning: 113
// header is required once the entry is served past heuristicMaxLifetime.
func FreshnessLifetime(respHeader http.Header, rcc ResponseCacheControl, date time.Time, sharedCache bool, heuristicCoefficient float64, heuristicMaxLifetime time.Duration) (lifetime time.Duration, heuristic bool) {
	if sharedCache && rcc.SMaxAge != unsetAge {
		return time.Duration(rcc.SMaxAge) * time.Second, false
	}
	if rcc.MaxAge != unsetAge {
		return time.Duration(rcc.MaxAge) * time.Second, false
	}
	if expiresStr := respHeader.Get("Expires"); expiresStr != "" && !date.IsZero() {
		if expires, ok := parseHTTPDate(expiresStr); ok {
			lifetime = expires.Sub(date)
			if lifetime < 0 {
				lifetime = 0
			}
			return lifetime, false
		}
	}
	if lm := respHeader.Get("Last-Modified"); lm != "" && !date.IsZero() {
		if lastModified, ok := parseHTTPDate(lm); ok {
			lifetime = time.Duration(float64(date.Sub(lastModified)) * heuristicCoefficient)
			if lifetime < 0 {
				lifetime = 0
			}
			if lifetime > heuristicMaxLifetime {
				lifetime = heuristicMaxLifetime
			}
			return lifetime, true
		}
	}
	return 0, false
}

func parseHTTPDate(v string) (time.Time, bool) {
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsFresh implements §4.3's is-fresh predicate: the entry is fresh when
// its current age plus the request's min-fresh requirement stays under
// its freshness lifetime, as adjusted by the request's max-age and
// max-stale directives.
func IsFresh(currentAge, lifetime time.Duration, rcc RequestCacheControl) bool {
	effectiveLifetime := lifetime
	if rcc.MaxAge != unsetAge {
		effectiveLifetime = time.Duration(rcc.MaxAge) * time.Second
	}

	minFresh := time.Duration(0)
	if rcc.MinFresh != unsetAge {
		minFresh = time.Duration(rcc.MinFresh) * time.Second
	}

	if currentAge+minFresh < effectiveLifetime {
		return true
	}

	if rcc.MaxStaleAny {
		return true
	}
	if rcc.MaxStale != unsetAge {
		maxStale := time.Duration(rcc.MaxStale) * time.Second
		if currentAge-effectiveLifetime <= maxStale {
			return true
		}
	}
	return false
}

// staleWhileRevalidateEligible reports whether the entry is still inside
// its stale-while-revalidate window.
func staleWhileRevalidateEligible(currentAge, lifetime time.Duration, rcc ResponseCacheControl) bool {
	if rcc.StaleWhileRevalidate == unsetAge {
		return false
	}
	window := time.Duration(rcc.StaleWhileRevalidate) * time.Second
	return lifetime+window > currentAge
}

// staleIfErrorEligible reports whether the entry is still inside its
// stale-if-error window, request directive taking precedence over the
// response's when both are present, per §4.5/§4.6.
func staleIfErrorEligible(currentAge time.Duration, reqCC RequestCacheControl, respCC ResponseCacheControl, permitStaleIfError bool) bool {
	if !permitStaleIfError {
		return false
	}
	if reqCC.StaleIfErrorAny || respCC.StaleIfError == 0 {
		if reqCC.StaleIfErrorAny {
			return true
		}
	}
	if reqCC.StaleIfError != unsetAge {
		return currentAge <= time.Duration(reqCC.StaleIfError)*time.Second
	}
	if respCC.StaleIfError != unsetAge {
		return currentAge <= time.Duration(respCC.StaleIfError)*time.Second
	}
	return false
}

// suitabilityResult carries the outcome of the §4.3 suitability check
// plus enough detail for the executor to decide between HIT and a
// stale-serving path.
type suitabilityResult struct {
	Suitable              bool
	Fresh                 bool
	StaleWhileRevalidate  bool
	CurrentAge            time.Duration
	Lifetime              time.Duration
	Heuristic             bool
}

// evaluateSuitability implements §4.3's "Suitability for a given
// request" predicate in full: method match, partial-response guard,
// freshness (including max-stale and stale-while-revalidate), no-cache/
// no-store handling, and must-revalidate-while-stale.
func evaluateSuitability(e *CacheEntry, method string, reqHeader http.Header, now time.Time, cfg Config) suitabilityResult {
	var res suitabilityResult

	if !e.Usable() {
		return res
	}
	if e.RequestMethod != method {
		// A HEAD-produced entry may satisfy HEAD but never GET; a
		// GET-produced entry never satisfies HEAD either under strict
		// method equality, matching §4.3's literal requirement.
		return res
	}
	if contentLengthMismatch(e) {
		return res
	}

	rcc := ParseRequestCacheControl(reqHeader)
	rscc := ParseResponseCacheControl(e.ResponseHeader)

	if rcc.NoStore && !rcc.OnlyIfCached {
		return res
	}
	if rcc.NoCache && !rcc.OnlyIfCached {
		return res
	}
	if rscc.NoCache && len(rscc.NoCacheFieldNames) == 0 {
		// unqualified no-cache always requires revalidation
		return res
	}

	date, _ := headerDate(e.ResponseHeader)
	currentAge := CurrentAge(e, now)
	lifetime, heuristic := FreshnessLifetime(e.ResponseHeader, rscc, date, cfg.SharedCache, cfg.HeuristicCoefficient, cfg.HeuristicDefaultLifetime)

	res.CurrentAge = currentAge
	res.Lifetime = lifetime
	res.Heuristic = heuristic

	fresh := IsFresh(currentAge, lifetime, rcc)
	if fresh && rscc.MustRevalidate && currentAge >= lifetime {
		// IsFresh accepts a stale entry under request max-stale;
		// must-revalidate forbids serving it stale
		fresh = false
	}
	if fresh {
		res.Fresh = true
		res.Suitable = true
		return res
	}

	if rscc.MustRevalidate || (rscc.ProxyRevalidate && cfg.SharedCache) {
		return res
	}

	if staleWhileRevalidateEligible(currentAge, lifetime, rscc) {
		res.StaleWhileRevalidate = true
		res.Suitable = true
		return res
	}

	return res
}
