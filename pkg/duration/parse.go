// Package duration parses config durations that may use day and week units.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

var (
	units       = map[string]time.Duration{"d": Day, "w": Week}
	unitPattern = regexp.MustCompile(`(\d+)([dw])`)
)

// Parse accepts anything time.ParseDuration does plus "d" and "w" components,
// so "7d", "2w" and "1d12h" are valid. A bare "0" is zero.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, fmt.Errorf("empty duration")
	case "0":
		return 0, nil
	}

	var total time.Duration
	for _, m := range unitPattern.FindAllStringSubmatch(s, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * units[m[2]]
	}

	rest := unitPattern.ReplaceAllString(s, "")
	if rest == "" {
		return total, nil
	}
	if strings.ContainsAny(rest, "dw") {
		return 0, fmt.Errorf("invalid duration %q (units: ms, s, m, h, d, w)", s)
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (units: ms, s, m, h, d, w)", s)
	}
	return total + d, nil
}
