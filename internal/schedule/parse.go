package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime is returned for empty, zero or unparseable fire times.
var ErrInvalidTime = errors.New("invalid fire time")

// Layouts accepted by ParseTime, most specific first. Layouts without an
// offset are interpreted in the caller's location.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTime parses a fire time.
//
// Supported forms:
//   - RFC3339 / RFC3339Nano: "2026-10-19T09:15:00+07:00"
//   - Local date-time: "2026-10-19T09:15", "2026-10-19 09:15:30"
//   - Unix seconds: "1792380900"
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTime)
	}
	if loc == nil {
		loc = time.Local
	}
	if isDigits(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidTime, raw, err)
		}
		return time.Unix(sec, 0).In(loc), nil
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q (use RFC3339 like '2026-10-19T09:15:00Z', '2026-10-19 09:15' or unix seconds)", ErrInvalidTime, raw)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// LoadLocation resolves an IANA time zone name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
