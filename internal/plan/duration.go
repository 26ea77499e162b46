package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses the plan file's duration grammar: "<integer><unit>"
// with unit in {h, m, s}, or the literal "none" (meaning no timeout, encoded
// as zero).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		return 0, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("plan: invalid duration %q", s)
	}

	unit := s[len(s)-1]
	numPart := strings.TrimSpace(s[:len(s)-1])
	n, err := strconv.Atoi(numPart)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("plan: invalid duration %q", s)
	}

	var multiplier time.Duration
	switch unit {
	case 'h':
		multiplier = time.Hour
	case 'm':
		multiplier = time.Minute
	case 's':
		multiplier = time.Second
	default:
		return 0, fmt.Errorf("plan: invalid duration unit in %q", s)
	}

	return time.Duration(n) * multiplier, nil
}

// FormatSeconds renders d as the integer-seconds string the wire protocol
// expects in a "timeout" record (0 meaning none).
func FormatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}
