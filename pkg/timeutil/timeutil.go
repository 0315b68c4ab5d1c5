// Package timeutil provides calendar-day utilities for streaks and daily goals.
// Learners live in Mexico, so the default location is America/Mexico_City, but
// every helper that cares about "which day is it" takes an explicit location.
// No external dependencies - uses only standard library.
package timeutil

import (
	"strings"
	"time"
)

// DateLayout is the ISO 8601 calendar date layout used by the backend.
const DateLayout = "2006-01-02"

// DefaultLocation is used when a configured timezone cannot be loaded.
var DefaultLocation = loadOrFixed("America/Mexico_City", -6*60*60)

func loadOrFixed(name string, offset int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, offset)
	}
	return loc
}

// LoadLocation loads a timezone by name, falling back to DefaultLocation.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return DefaultLocation
	}
	return loc
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the last nanosecond of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// IsSameDay checks if two instants fall on the same calendar day in loc.
func IsSameDay(t1, t2 time.Time, loc *time.Location) bool {
	return DaysBetween(t1, t2, loc) == 0
}

// DaysBetween returns the signed number of calendar days from t1 to t2 in loc.
// Calendar dates are compared, so DST transitions never produce 23- or
// 25-hour "days".
func DaysBetween(t1, t2 time.Time, loc *time.Location) int {
	a := t1.In(loc)
	b := t2.In(loc)
	d1 := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	d2 := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(d2.Sub(d1).Hours() / 24)
}

// FormatDate formats t as a calendar date in loc.
func FormatDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// ParseDate parses either a bare date ("2024-05-01") or an RFC 3339
// timestamp and returns midnight of that calendar day in loc. Timestamps
// keep their own date part, mirroring how the backend stores activity days.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, 'T'); i > 0 {
		value = value[:i]
	}
	return time.ParseInLocation(DateLayout, value, loc)
}

// ParseTimestamp parses backend timestamps. FastAPI emits naive ISO strings
// without a zone for some columns, which are interpreted as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
