package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseBps parses a bandwidth such as "2G", "500m", "10k" or "1e9" into bits
// per second. Suffixes are decimal (k=1e3, m=1e6, g=1e9, t=1e12).
func ParseBps(value string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, fmt.Errorf("empty bandwidth")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k':
		mult = 1e3
	case 'm':
		mult = 1e6
	case 'g':
		mult = 1e9
	case 't':
		mult = 1e12
	}
	if mult != 1.0 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", value, err)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("bandwidth %q is not a finite number", value)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative bandwidth %q", value)
	}
	return v * mult, nil
}

// FormatBps renders bps the way iperf3 accepts it on the command line.
func FormatBps(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.3fG", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.3fM", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.3fK", bps/1e3)
	}
	return fmt.Sprintf("%.0f", bps)
}
