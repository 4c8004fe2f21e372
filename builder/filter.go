package builder

import (
	"fmt"
	"sort"
	"strings"
)

// Lookup operators accepted as the final segment of a filter key.
const (
	OpLT          = "lt"
	OpLTE         = "lte"
	OpGT          = "gt"
	OpGTE         = "gte"
	OpExact       = "exact"
	OpIExact      = "iexact"
	OpIn          = "in"
	OpIsNull      = "isnull"
	OpRange       = "range"
	OpContains    = "contains"
	OpIContains   = "icontains"
	OpStartsWith  = "startswith"
	OpIStartsWith = "istartswith"
	OpEndsWith    = "endswith"
	OpIEndsWith   = "iendswith"
	OpRegex       = "regex"
	OpIRegex      = "iregex"
	OpDate        = "date"
	OpYear        = "year"
	OpMonth       = "month"
	OpDay         = "day"
	OpWeekDay     = "week_day"
	OpHour        = "hour"
	OpMinute      = "minute"
	OpSecond      = "second"
)

// Composition keywords
const (
	LogAnd = "and"
	LogOr  = "or"
	LogNot = "not"
)

// PathSeparator joins attribute path segments in store column references.
const PathSeparator = "__"

var operators = map[string]bool{
	OpLT: true, OpLTE: true, OpGT: true, OpGTE: true, OpExact: true, OpIExact: true,
	OpIn: true, OpIsNull: true, OpRange: true,
	OpContains: true, OpIContains: true, OpStartsWith: true, OpIStartsWith: true,
	OpEndsWith: true, OpIEndsWith: true, OpRegex: true, OpIRegex: true,
	OpDate: true, OpYear: true, OpMonth: true, OpDay: true, OpWeekDay: true,
	OpHour: true, OpMinute: true, OpSecond: true,
}

// IsOperator reports whether s is a recognized lookup operator.
func IsOperator(s string) bool {
	return operators[s]
}

// IsComposition reports whether key is one of and/or/not.
func IsComposition(key string) bool {
	return key == LogAnd || key == LogOr || key == LogNot
}

// Key is a parsed filter key.
type Key struct {
	Path []string
	// Op is empty when the key carries no operator (equality).
	Op string
}

// Column joins the path with the store separator, e.g. customer__name.
func (k Key) Column() string {
	return strings.Join(k.Path, PathSeparator)
}

// Depth is the number of relation hops in the path.
func (k Key) Depth() int {
	return len(k.Path) - 1
}

// ParseKey splits a dotted filter key into attribute path and operator.
//
//	status                  -> [status], ""
//	customer.name.icontains -> [customer name], icontains
func ParseKey(key string) Key {
	parts := strings.Split(key, ".")
	if len(parts) > 1 && IsOperator(parts[len(parts)-1]) {
		return Key{Path: parts[:len(parts)-1], Op: parts[len(parts)-1]}
	}
	return Key{Path: parts}
}

// ValidationError reports a malformed filter specification or value.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return e.Message
	}
	return fmt.Sprintf("filter '%s': %s", e.Key, e.Message)
}

func invalid(key, format string, args ...any) error {
	return &ValidationError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// Compile builds a predicate tree from a filter specification.
// Top-level keys are conjoined; an empty specification matches everything.
func Compile(spec map[string]any) (Predicate, error) {
	if len(spec) == 0 {
		return All(), nil
	}

	parts := make([]Predicate, 0, len(spec))
	for _, key := range sortedKeys(spec) {
		p, err := compileEntry(key, spec[key])
		if err != nil {
			return Predicate{}, err
		}
		parts = append(parts, p)
	}
	return And(parts...), nil
}

func compileEntry(key string, value any) (Predicate, error) {
	switch key {
	case LogAnd, LogOr:
		combine := And
		if key == LogOr {
			combine = Or
		}
		switch v := value.(type) {
		case map[string]any:
			parts := make([]Predicate, 0, len(v))
			for _, sub := range sortedKeys(v) {
				p, err := compileEntry(sub, v[sub])
				if err != nil {
					return Predicate{}, err
				}
				parts = append(parts, p)
			}
			return combine(parts...), nil
		case []any:
			parts := make([]Predicate, 0, len(v))
			for i, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					return Predicate{}, invalid(key, "item %d must be an object", i)
				}
				p, err := Compile(m)
				if err != nil {
					return Predicate{}, err
				}
				parts = append(parts, p)
			}
			return combine(parts...), nil
		default:
			return Predicate{}, invalid(key, "expects an object or a list of objects")
		}
	case LogNot:
		switch v := value.(type) {
		case map[string]any:
			p, err := Compile(v)
			if err != nil {
				return Predicate{}, err
			}
			return Not(p), nil
		case []any:
			p, err := compileEntry(LogAnd, v)
			if err != nil {
				return Predicate{}, err
			}
			return Not(p), nil
		default:
			return Predicate{}, invalid(key, "expects an object")
		}
	}

	k := ParseKey(key)
	for _, seg := range k.Path {
		if seg == "" {
			return Predicate{}, invalid(key, "empty path segment")
		}
	}
	op := k.Op
	if op == "" {
		op = OpExact
	}
	return Leaf(k.Path, op, value), nil
}

// ExtractKeys collects every leaf key of a filter specification,
// skipping the composition keywords. Duplicates are kept.
func ExtractKeys(spec map[string]any) []string {
	return extractKeys(spec, nil)
}

func extractKeys(spec map[string]any, keys []string) []string {
	for _, key := range sortedKeys(spec) {
		value := spec[key]
		if !IsComposition(key) {
			keys = append(keys, key)
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			keys = extractKeys(v, keys)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					keys = extractKeys(m, keys)
				}
			}
		}
	}
	return keys
}

// Nesting returns how deeply and/or/not compositions are nested in spec.
func Nesting(spec map[string]any) int {
	deepest := 0
	for key, value := range spec {
		if !IsComposition(key) {
			continue
		}
		d := 0
		switch v := value.(type) {
		case map[string]any:
			d = Nesting(v)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					d = max(d, Nesting(m))
				}
			}
		}
		deepest = max(deepest, d+1)
	}
	return deepest
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
