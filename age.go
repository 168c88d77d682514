package cachekit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// clock abstracts time.Now so age arithmetic can be tested deterministically.
type clockT interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var clock clockT = realClock{}

// sentinelAge is the "large sentinel" used for apparent_age when the
// Date header is missing or unparseable (§4.3).
const sentinelAge = time.Duration(1<<31) * time.Second

// headerDate parses the Date header of h, RFC 1123 first and falling
// back to RFC 850 / ANSI C per RFC 7231 §7.1.1.1 tolerance.
func headerDate(h http.Header) (time.Time, bool) {
	v := h.Get("Date")
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseAgeHeader parses the entry's own Age response header (RFC 9111
// §5.1): first value wins, negative or non-numeric values are ignored.
func parseAgeHeader(h http.Header) (time.Duration, bool) {
	values := h.Values("Age")
	if len(values) == 0 {
		return 0, false
	}
	if len(values) > 1 {
		GetLogger().Warn("multiple Age headers detected, using first value", "count", len(values))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// CurrentAge implements the RFC 7234 §4.2.3 age computation against a
// CacheEntry, using "now" as the evaluation instant:
//
//	apparent_age          = max(0, resp - D)
//	corrected_age_value    = A + (resp - req)
//	corrected_initial_age  = max(apparent_age, corrected_age_value)
//	resident_time          = now - resp
//	current_age            = corrected_initial_age + resident_time
func CurrentAge(e *CacheEntry, now time.Time) time.Duration {
	d, ok := headerDate(e.ResponseHeader)

	var apparentAge time.Duration
	if !ok {
		apparentAge = sentinelAge
	} else if e.ResponseInstant.After(d) {
		apparentAge = e.ResponseInstant.Sub(d)
	}

	ageValue, _ := parseAgeHeader(e.ResponseHeader)
	responseDelay := e.ResponseInstant.Sub(e.RequestInstant)
	if responseDelay < 0 {
		responseDelay = 0
	}
	correctedAgeValue := ageValue + responseDelay

	correctedInitialAge := apparentAge
	if correctedAgeValue > correctedInitialAge {
		correctedInitialAge = correctedAgeValue
	}

	residentTime := now.Sub(e.ResponseInstant)
	if residentTime < 0 {
		residentTime = 0
	}

	return correctedInitialAge + residentTime
}

// FormatAge renders a duration as an Age header value in whole seconds,
// truncated toward zero and never negative.
func FormatAge(age time.Duration) string {
	seconds := int64(age.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return strconv.FormatInt(seconds, 10)
}
