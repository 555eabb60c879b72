package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses PBX duration text: "HH:MM:SS[.fff]", "MM:SS", a plain
// number of seconds, or Go duration syntax ("1m30s"). A leading minus sign is
// kept so callers can reject negative values themselves.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("model: parse duration: empty value")
	}
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(s, "-")

	var d time.Duration
	if strings.Contains(body, ":") {
		parts := strings.Split(body, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("model: parse duration %q: too many fields", s)
		}
		secs, err := strconv.ParseFloat(parts[len(parts)-1], 64)
		if err != nil || secs < 0 || secs >= 60 {
			return 0, fmt.Errorf("model: parse duration %q: invalid seconds", s)
		}
		d = time.Duration(secs * float64(time.Second))
		mult := time.Minute
		for i := len(parts) - 2; i >= 0; i-- {
			n, err := strconv.Atoi(parts[i])
			if err != nil || n < 0 {
				return 0, fmt.Errorf("model: parse duration %q: invalid field %q", s, parts[i])
			}
			if mult == time.Minute && len(parts) == 3 && n >= 60 {
				return 0, fmt.Errorf("model: parse duration %q: invalid minutes", s)
			}
			d += time.Duration(n) * mult
			mult = time.Hour
		}
	} else if secs, err := strconv.ParseFloat(body, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
		d = time.Duration(secs * float64(time.Second))
	} else {
		parsed, err := time.ParseDuration(body)
		if err != nil {
			return 0, fmt.Errorf("model: parse duration %q: %w", s, err)
		}
		d = parsed
	}
	if neg {
		d = -d
	}
	return d, nil
}

// DurationMs parses s and returns milliseconds, or nil when s is blank.
func DurationMs(s string) (*int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return nil, err
	}
	ms := d.Milliseconds()
	return &ms, nil
}
