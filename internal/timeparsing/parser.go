// Package timeparsing resolves the time expressions accepted on the
// command line. Parsing is layered: compact offsets first (+6h, -1d),
// then a few natural-language words (now, today, tomorrow, yesterday),
// then absolute timestamps (RFC3339, date-only).
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// compactRe matches compact offsets: [+-]?(\d+)([hdwmy])
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseCompactDuration resolves a compact offset relative to now.
// Units: h hours, d days, w weeks, m months, y years. No sign means
// a positive offset.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		return now.AddDate(0, amount, 0), nil
	default: // y
		return now.AddDate(amount, 0, 0), nil
	}
}

// IsCompactDuration reports whether s looks like a compact offset.
func IsCompactDuration(s string) bool {
	return compactRe.MatchString(s)
}

// ParseNaturalLanguage resolves a small vocabulary of relative words.
// Day words snap to midnight in now's location.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	midnight := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	switch s {
	case "now":
		return now, nil
	case "today":
		return midnight(now), nil
	case "tomorrow":
		return midnight(now.AddDate(0, 0, 1)), nil
	case "yesterday":
		return midnight(now.AddDate(0, 0, -1)), nil
	}
	return time.Time{}, fmt.Errorf("not a recognized time word: %q", s)
}

// ParseRelativeTime tries each layer in order and returns the first
// match. Absolute inputs accept RFC3339 and bare dates (2006-01-02,
// interpreted in now's location).
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}
	if t, err := ParseNaturalLanguage(s, now); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression: %q", s)
}
