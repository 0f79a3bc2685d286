package configutil

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schema describes the settings map of one vendor or transport.
// Keys in every list are matched case, underscore and hyphen insensitively.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool

	// Durations must hold a non-negative Go duration such as "250ms".
	Durations []string
	// Counts must hold a non-negative integer.
	Counts []string
	// Enums restricts a string key to the listed values.
	Enums map[string][]string
}

// SettingsError lists every problem found in one settings map.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
	Invalid []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path != "" {
		return e.Path + ": " + msg
	}
	return msg
}

// ValidateSettings checks input against schema and returns a *SettingsError
// when anything is missing, unknown or malformed.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := keySet(schema.Required)
	allowed := keySet(schema.Optional)
	for nk, k := range required {
		allowed[nk] = k
	}
	for _, keys := range [][]string{schema.Durations, schema.Counts} {
		for nk, k := range keySet(keys) {
			allowed[nk] = k
		}
	}
	for k := range schema.Enums {
		allowed[normalizeKey(k)] = k
	}
	durations := keySet(schema.Durations)
	counts := keySet(schema.Counts)
	enums := make(map[string][]string, len(schema.Enums))
	for k, values := range schema.Enums {
		enums[normalizeKey(k)] = values
	}

	serr := &SettingsError{}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
			continue
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			serr.Missing = append(serr.Missing, reqKey)
			continue
		}
		if v == nil {
			continue
		}
		if _, ok := durations[nk]; ok && !validDuration(v) {
			serr.Invalid = append(serr.Invalid, fmt.Sprintf("%s=%v (want duration)", k, v))
		}
		if _, ok := counts[nk]; ok && !validCount(v) {
			serr.Invalid = append(serr.Invalid, fmt.Sprintf("%s=%v (want non-negative integer)", k, v))
		}
		if values, ok := enums[nk]; ok && !oneOf(v, values) {
			serr.Invalid = append(serr.Invalid, fmt.Sprintf("%s=%v (want one of %s)", k, v, strings.Join(values, "|")))
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			serr.Missing = append(serr.Missing, reqKey)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 && len(serr.Invalid) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	sort.Strings(serr.Invalid)
	return serr
}

func keySet(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[normalizeKey(k)] = k
	}
	return out
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func validDuration(v any) bool {
	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(val))
		return err == nil && d >= 0
	case time.Duration:
		return val >= 0
	default:
		return false
	}
}

func validCount(v any) bool {
	switch val := v.(type) {
	case int:
		return val >= 0
	case int64:
		return val >= 0
	case uint64:
		return true
	case float64:
		return val >= 0 && val == float64(int64(val))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		return err == nil && n >= 0
	default:
		return false
	}
}

func oneOf(v any, values []string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	for _, want := range values {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
