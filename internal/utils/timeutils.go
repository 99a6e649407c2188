package utils

import (
	"fmt"
	"time"
)

// alertDateLayout renders dates the way technicians see them in ticket bodies,
// e.g. "Tuesday, Mar 5, 2024".
const alertDateLayout = "Monday, Jan 2, 2006"

// FormatAlertDate renders an alert timestamp for ticket descriptions.
func FormatAlertDate(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(alertDateLayout)
}

// ParseRFC3339 returns a time from the provided string or an error.
// Fractional seconds are accepted.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }
