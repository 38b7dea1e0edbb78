package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued settings (reconnect backoff, debounce windows, timeouts)
// are kept as Go duration strings in Config so an unset field is
// distinguishable from an explicit zero. The helpers below convert them at
// the point of use; path names the field in error messages.

// ParseDurationField converts raw to a duration. Blank means 0; negatives
// are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted when the
// field is blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
