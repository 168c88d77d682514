package cachekit

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrentAge(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		date        string
		ageHeader   string
		reqInstant  time.Time
		respInstant time.Time
		now         time.Time
		wantMin     time.Duration
		wantMax     time.Duration
	}{
		{
			name:        "fresh response, no prior age",
			date:        now.Add(-10 * time.Second).Format(time.RFC1123),
			reqInstant:  now.Add(-10 * time.Second),
			respInstant: now.Add(-10 * time.Second),
			now:         now,
			wantMin:     9 * time.Second,
			wantMax:     11 * time.Second,
		},
		{
			name:        "resident time accumulates",
			date:        now.Add(-20 * time.Second).Format(time.RFC1123),
			reqInstant:  now.Add(-20 * time.Second),
			respInstant: now.Add(-20 * time.Second),
			now:         now,
			wantMin:     19 * time.Second,
			wantMax:     21 * time.Second,
		},
		{
			name:        "origin Age header included via corrected_age_value",
			date:        now.Add(-10 * time.Second).Format(time.RFC1123),
			ageHeader:   "5",
			reqInstant:  now.Add(-10 * time.Second),
			respInstant: now.Add(-10 * time.Second),
			now:         now,
			wantMin:     14 * time.Second,
			wantMax:     16 * time.Second,
		},
		{
			name:        "missing Date uses sentinel apparent age",
			reqInstant:  now.Add(-5 * time.Second),
			respInstant: now.Add(-5 * time.Second),
			now:         now,
			wantMin:     sentinelAge,
			wantMax:     sentinelAge + 10*time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.date != "" {
				h.Set("Date", tt.date)
			}
			if tt.ageHeader != "" {
				h.Set("Age", tt.ageHeader)
			}
			e := &CacheEntry{
				RequestInstant:  tt.reqInstant,
				ResponseInstant: tt.respInstant,
				ResponseHeader:  h,
			}
			got := CurrentAge(e, tt.now)
			if got < tt.wantMin || got > tt.wantMax {
				t.Fatalf("CurrentAge() = %v, want in [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCurrentAgeResponseDelayIncluded(t *testing.T) {
	now := time.Now().UTC()
	reqInstant := now.Add(-10 * time.Second)
	respInstant := now.Add(-7 * time.Second)
	date := now.Add(-8 * time.Second)

	h := http.Header{}
	h.Set("Date", date.Format(time.RFC1123))
	h.Set("Age", "0")

	e := &CacheEntry{RequestInstant: reqInstant, ResponseInstant: respInstant, ResponseHeader: h}
	got := CurrentAge(e, now)

	// apparent_age = respInstant - date = 1s; response_delay = respInstant - reqInstant = 3s
	// corrected_age_value = 0 + 3 = 3s; corrected_initial_age = max(1,3) = 3s
	// resident_time = now - respInstant = 7s; current_age = 10s
	want := 10 * time.Second
	if got < want-time.Second || got > want+time.Second {
		t.Errorf("CurrentAge() = %v, want ~%v", got, want)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0"},
		{1 * time.Second, "1"},
		{3600 * time.Second, "3600"},
		{-5 * time.Second, "0"},
		{1500 * time.Millisecond, "1"},
	}
	for _, tt := range tests {
		if got := FormatAge(tt.d); got != tt.want {
			t.Errorf("FormatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseAgeHeaderValid(t *testing.T) {
	h := http.Header{}
	h.Set("Age", "300")
	got, ok := parseAgeHeader(h)
	if !ok || got != 300*time.Second {
		t.Fatalf("parseAgeHeader() = %v, %v, want 300s, true", got, ok)
	}
}

func TestParseAgeHeaderInvalid(t *testing.T) {
	for _, v := range []string{"-100", "notanumber", "3600.5"} {
		h := http.Header{}
		h.Set("Age", v)
		if _, ok := parseAgeHeader(h); ok {
			t.Errorf("parseAgeHeader(%q) ok = true, want false", v)
		}
	}
}

func TestParseAgeHeaderAbsent(t *testing.T) {
	if _, ok := parseAgeHeader(http.Header{}); ok {
		t.Fatal("parseAgeHeader() on empty header should be not-ok")
	}
}

func TestParseAgeHeaderMultipleUsesFirst(t *testing.T) {
	h := http.Header{}
	h.Add("Age", "300")
	h.Add("Age", "600")
	got, ok := parseAgeHeader(h)
	if !ok || got != 300*time.Second {
		t.Fatalf("parseAgeHeader() = %v, %v, want first value 300s", got, ok)
	}
}

func TestHeaderDateParsing(t *testing.T) {
	h := http.Header{}
	h.Set("Date", "Mon, 01 Jan 2024 00:00:00 GMT")
	d, ok := headerDate(h)
	if !ok {
		t.Fatal("expected Date to parse")
	}
	if d.Year() != 2024 {
		t.Fatalf("parsed wrong date: %v", d)
	}

	if _, ok := headerDate(http.Header{}); ok {
		t.Fatal("expected missing Date to report not-ok")
	}
}
