// Package validate checks and sanitizes request argument mappings against
// per-field rules. It performs no I/O and mutates no shared state, so every
// rule is independently testable.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Kind enumerates the supported rule kinds.
type Kind string

const (
	KindString    Kind = "string"
	KindInteger   Kind = "integer"
	KindEnumArray Kind = "enum-array"
	KindBoolean   Kind = "boolean"
)

// DefaultMaxStringLength bounds generic string parameters unless a rule
// narrows it.
const DefaultMaxStringLength = 10000

// shellMetachars matches characters stripped from every string value before
// it can reach an argument vector.
var shellMetachars = regexp.MustCompile("[;|&$`()<>\n\r]")

// Rule declares the constraints for one named field.
type Rule struct {
	Field     string
	Kind      Kind
	Required  bool
	Pattern   *regexp.Regexp
	Min, Max  int64
	MaxLength int
	Allowed   []string
	// Flag is carried through for the executor's argv projection; validation
	// itself ignores it.
	Flag string
}

// Failure describes the first rule violation encountered.
type Failure struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

func fail(field, rule, format string, args ...any) *Failure {
	return &Failure{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Apply evaluates rules in declared order against params merged over defaults
// and returns the sanitized mapping, or the first failure. Neither input map
// is mutated. Fields not covered by a rule pass through subject to generic
// string sanitization and the maxParamLength bound.
func Apply(rules []Rule, defaults, params map[string]any, maxParamLength int) (map[string]any, *Failure) {
	if maxParamLength <= 0 {
		maxParamLength = DefaultMaxStringLength
	}

	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	out := make(map[string]any, len(merged))
	ruled := make(map[string]bool, len(rules))

	for _, rule := range rules {
		ruled[rule.Field] = true

		value, present := merged[rule.Field]
		if !present {
			if rule.Required {
				return nil, fail(rule.Field, "required", "missing required parameter")
			}
			continue
		}

		switch rule.Kind {
		case KindString:
			s, ok := value.(string)
			if !ok {
				return nil, fail(rule.Field, "type", "must be a string, got %T", value)
			}
			maxLen := rule.MaxLength
			if maxLen <= 0 {
				maxLen = maxParamLength
			}
			if len(s) > maxLen {
				return nil, fail(rule.Field, "max_length", "too long (max %d characters)", maxLen)
			}
			if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
				return nil, fail(rule.Field, "pattern", "invalid format: %q", s)
			}
			out[rule.Field] = SanitizeString(s)

		case KindInteger:
			n, ok := asInt64(value)
			if !ok {
				return nil, fail(rule.Field, "type", "must be an integer, got %v", value)
			}
			if rule.Min != 0 || rule.Max != 0 {
				if n < rule.Min {
					return nil, fail(rule.Field, "range", "must be at least %d", rule.Min)
				}
				if n > rule.Max {
					return nil, fail(rule.Field, "range", "must be at most %d", rule.Max)
				}
			}
			out[rule.Field] = n

		case KindEnumArray:
			items, ok := asStringSlice(value)
			if !ok {
				return nil, fail(rule.Field, "type", "must be an array of strings")
			}
			if len(items) == 0 {
				// An empty array falls back to the tool's configured default.
				if def, ok := asStringSlice(defaults[rule.Field]); ok && len(def) > 0 {
					items = def
				}
			}
			for _, item := range items {
				if !contains(rule.Allowed, item) {
					return nil, fail(rule.Field, "allowed", "invalid value %q (allowed: %s)",
						item, strings.Join(rule.Allowed, ", "))
				}
			}
			out[rule.Field] = items

		case KindBoolean:
			b, ok := value.(bool)
			if !ok {
				return nil, fail(rule.Field, "type", "must be a boolean, got %T", value)
			}
			out[rule.Field] = b

		default:
			return nil, fail(rule.Field, "kind", "unknown rule kind %q", rule.Kind)
		}
	}

	// Pass-through for fields without a declared rule.
	for k, v := range merged {
		if ruled[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if len(s) > maxParamLength {
				return nil, fail(k, "max_length", "too long (max %d characters)", maxParamLength)
			}
			out[k] = SanitizeString(s)
			continue
		}
		out[k] = v
	}

	return out, nil
}

// SanitizeString strips shell metacharacters from a value.
func SanitizeString(s string) string {
	return shellMetachars.ReplaceAllString(s, "")
}

// asInt64 accepts the numeric shapes JSON decoding produces. Floats only pass
// when they carry an integral value.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// asStringSlice accepts []string directly or the []any shape JSON decoding
// produces when every member is a string.
func asStringSlice(v any) ([]string, bool) {
	switch items := v.(type) {
	case []string:
		return items, true
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
