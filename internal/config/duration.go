package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at path. Empty,
// "off" and "none" mean 0 (disabled); negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "", "off", "none":
		return 0, nil
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
		}
		return d, nil
	}
}

// ParseDurationOrDefault is ParseDurationField with def standing in for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationAtLeast is ParseDurationOrDefault with a lower bound on the
// result.
func ParseDurationAtLeast(path, raw string, def, min time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < min {
		return 0, fmt.Errorf("%s: must be at least %s", path, min)
	}
	return d, nil
}
