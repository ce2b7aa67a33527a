package domain

import (
	"fmt"
	"time"
)

// naiveISO is the zone-less ISO-8601 layout found in vaults written by older tooling.
const naiveISO = "2006-01-02T15:04:05.999999999"

// FormatTime renders t the way every vault record stores timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime accepts RFC 3339 and zone-less ISO-8601 (read as UTC).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveISO, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
