package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationString parses the config duration form: an integer followed by
// one of ms, s, m, h, d. Rejects everything else ("10x", "1.5s", bare "10").
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var unit time.Duration
	var digits string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit, digits = time.Millisecond, s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit, digits = time.Second, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit, digits = time.Minute, s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit, digits = time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "d"):
		unit, digits = 24*time.Hour, s[:len(s)-1]
	default:
		return 0, fmt.Errorf("invalid duration %q: unknown unit", s)
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * unit, nil
}
