// Package utils holds small helpers shared by configuration and the cache layer.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

const unit = 1024

var byteSuffixes = map[string]int64{
	"":    1,
	"B":   1,
	"K":   unit,
	"KB":  unit,
	"KIB": unit,
	"M":   unit * unit,
	"MB":  unit * unit,
	"MIB": unit * unit,
	"G":   unit * unit * unit,
	"GB":  unit * unit * unit,
	"GIB": unit * unit * unit,
	"T":   unit * unit * unit * unit,
	"TB":  unit * unit * unit * unit,
	"TIB": unit * unit * unit * unit,
}

// FormatBytes formats a byte count using binary units, e.g. "1.5 GiB".
func FormatBytes(bytes int64) string {
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 5; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses sizes such as "512", "64K", "4MiB" or "10 GB". All units are binary.
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := len(s)
	for split > 0 && (s[split-1] < '0' || s[split-1] > '9') && s[split-1] != '.' {
		split--
	}
	numStr := strings.TrimSpace(s[:split])
	suffix := strings.TrimSpace(s[split:])

	multiplier, ok := byteSuffixes[suffix]
	if !ok {
		return 0, fmt.Errorf("invalid size unit %q in %q", suffix, s)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	return int64(num * float64(multiplier)), nil
}
