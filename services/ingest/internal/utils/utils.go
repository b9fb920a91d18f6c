package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Argo fill value used by several upstream products for missing samples.
const argoFillValue = 99999.0

// ParseNullableFloat parses s as a float. Empty, unparsable, NaN and fill
// values yield nil.
func ParseNullableFloat(s string) *float64 {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return NormalizeValue(&f)
}

// NormalizeValue cleans raw sensor values; NaN, Inf and fill values -> nil.
func NormalizeValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	if math.Abs(*v) >= argoFillValue {
		return nil
	}
	val := *v
	return &val
}

// ParseTimestamp parses an RFC 3339 timestamp and truncates it to second precision in UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC().Truncate(time.Second), true
}

// NormalizeFloatID trims quoting and whitespace from a float identifier and
// reports whether what remains is a usable identifier: ASCII letters and
// digits only.
func NormalizeFloatID(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return "", false
		}
	}
	return s, true
}

// ValuePtrString prints pointer values for logging.
func ValuePtrString(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.3f", *v)
}
