// Package util provides shared utility functions for relay.
package util

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultAwaitTimeout is used when an AWAIT field is "true".
const DefaultAwaitTimeout = 30 * time.Second

// ParseDuration parses human-friendly duration strings.
// Supports: 30s, 5m, 1h, 1d and standard Go durations (e.g., 1h30m).
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %s", s)
	}

	unit := s[len(s)-1]
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		// Not a simple unit, try standard Go duration
		return time.ParseDuration(s)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

// ParseAwait parses an AWAIT field from an outbox header. It accepts
// duration strings ("30s", "1m"), bare millisecond counts ("30000"), and
// "true" for the default timeout. The boolean reports whether the field
// requested blocking at all ("false" and "" do not).
func ParseAwait(s string) (time.Duration, bool, error) {
	switch s {
	case "", "false", "no", "0":
		return 0, false, nil
	case "true", "yes":
		return DefaultAwaitTimeout, true, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, false, fmt.Errorf("invalid await timeout: %s", s)
		}
		return time.Duration(n) * time.Millisecond, true, nil
	}

	d, err := ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid await value %q: %w", s, err)
	}
	return d, true, nil
}

// MustParseDuration parses a duration string or panics.
// Use only for values that are guaranteed to be valid.
func MustParseDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v", s, err))
	}
	return d
}
