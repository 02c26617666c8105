package timeparsing

import (
	"testing"
	"time"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseCompactDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"+6h", base.Add(6 * time.Hour)},
		{"-1d", base.AddDate(0, 0, -1)},
		{"+2w", base.AddDate(0, 0, 14)},
		{"3m", base.AddDate(0, 3, 0)},
		{"1y", base.AddDate(1, 0, 0)},
	}
	for _, tc := range cases {
		got, err := ParseCompactDuration(tc.in, base)
		if err != nil {
			t.Errorf("ParseCompactDuration(%q) error: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseCompactDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseCompactDuration("6 hours", base); err == nil {
		t.Error("expected error for non-compact input")
	}
}

func TestParseCompactDurationMonthBoundary(t *testing.T) {
	jan31 := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	got, err := ParseCompactDuration("1m", jan31)
	if err != nil {
		t.Fatal(err)
	}
	// AddDate normalization: Jan 31 + 1 month rolls into March.
	if got.Month() != time.March {
		t.Errorf("Jan 31 + 1m = %v, want a March date", got)
	}
}

func TestIsCompactDuration(t *testing.T) {
	for _, s := range []string{"+6h", "-1d", "2w", "3m", "1y"} {
		if !IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "h", "6", "tomorrow", "2025-06-01", "+6x"} {
		if IsCompactDuration(s) {
			t.Errorf("IsCompactDuration(%q) = true, want false", s)
		}
	}
}

func TestParseNaturalLanguage(t *testing.T) {
	midnight := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"now", base},
		{"today", midnight},
		{"tomorrow", midnight.AddDate(0, 0, 1)},
		{"yesterday", midnight.AddDate(0, 0, -1)},
	}
	for _, tc := range cases {
		got, err := ParseNaturalLanguage(tc.in, base)
		if err != nil {
			t.Errorf("ParseNaturalLanguage(%q) error: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseNaturalLanguage(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseRelativeTimeLayers(t *testing.T) {
	// Compact layer.
	got, err := ParseRelativeTime("-1d", base)
	if err != nil || !got.Equal(base.AddDate(0, 0, -1)) {
		t.Errorf("ParseRelativeTime(-1d) = %v, %v", got, err)
	}
	// Word layer.
	got, err = ParseRelativeTime("tomorrow", base)
	if err != nil || got.Day() != 2 {
		t.Errorf("ParseRelativeTime(tomorrow) = %v, %v", got, err)
	}
	// RFC3339 layer.
	got, err = ParseRelativeTime("2025-03-01T08:30:00Z", base)
	if err != nil || got.Hour() != 8 {
		t.Errorf("ParseRelativeTime(rfc3339) = %v, %v", got, err)
	}
	// Date-only layer.
	got, err = ParseRelativeTime("2025-03-01", base)
	if err != nil || got.Month() != time.March {
		t.Errorf("ParseRelativeTime(date) = %v, %v", got, err)
	}
	if _, err := ParseRelativeTime("half past never", base); err == nil {
		t.Error("expected error for unrecognized expression")
	}
}
