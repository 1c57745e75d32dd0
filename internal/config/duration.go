package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration parses a duration option. Besides time.ParseDuration syntax it
// takes a leading whole-day count, so "2d" and "1d12h" work for the
// day-scale settings. Empty means zero; negative values are rejected.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("%s: bad day count in %q", path, raw)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
	}
	var rest time.Duration
	if s != "" {
		var err error
		if rest, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
		}
	}
	d := days + rest
	if days < 0 || d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// DurationOr is Duration with def standing in for an empty or zero value.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}
