package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xcono/flexql/fields"
)

// Reserved specification keys. Every other key not starting with an
// underscore is a value to write.
const (
	KeyFields  = "fields"
	KeyFilters = "filters"
	KeyOrderBy = "order_by"
	KeyLimit   = "limit"
	KeyOffset  = "offset"
	KeyID      = "id"
)

// SpecError reports a malformed query specification.
type SpecError struct {
	Key     string
	Message string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("'%s' %s", e.Key, e.Message)
}

// Spec is a parsed query specification.
type Spec struct {
	// Fields are the requested field specifiers; RawFields is what the
	// caller sent, echoed back in continuation parameters.
	Fields    []string
	RawFields any

	Filters map[string]any
	OrderBy string

	Limit    int
	HasLimit bool
	Offset   int

	ID    any
	HasID bool

	// Values holds the keys to write for add and edit.
	Values map[string]any
}

// ParseSpec reads a JSON-shaped specification.
func ParseSpec(raw map[string]any) (*Spec, error) {
	s := &Spec{
		Fields:    []string{fields.Wildcard},
		RawFields: fields.Wildcard,
		Filters:   map[string]any{},
		Values:    map[string]any{},
	}

	for key, value := range raw {
		if strings.HasPrefix(key, "_") {
			continue
		}
		s.Values[key] = value
	}

	if v, ok := raw[KeyFields]; ok && v != nil {
		specs, err := parseFields(v)
		if err != nil {
			return nil, err
		}
		s.Fields, s.RawFields = specs, v
	}

	if v, ok := raw[KeyFilters]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &SpecError{Key: KeyFilters, Message: "must be an object"}
		}
		s.Filters = m
	}

	if v, ok := raw[KeyOrderBy]; ok && v != nil {
		order, ok := v.(string)
		if !ok {
			return nil, &SpecError{Key: KeyOrderBy, Message: "must be a string"}
		}
		s.OrderBy = strings.TrimSpace(order)
	}

	if v, ok := raw[KeyLimit]; ok && v != nil {
		n, ok := integer(v)
		if !ok || n < 1 {
			return nil, &SpecError{Key: KeyLimit, Message: "must be a positive integer"}
		}
		s.Limit, s.HasLimit = n, true
	}

	if v, ok := raw[KeyOffset]; ok && v != nil {
		n, ok := integer(v)
		if !ok || n < 0 {
			return nil, &SpecError{Key: KeyOffset, Message: "must be a non-negative integer"}
		}
		s.Offset = n
	}

	if v, ok := raw[KeyID]; ok {
		ref, ok := fields.ParseReference(v, KeyID)
		if !ok || ref.Record != nil {
			return nil, &SpecError{Key: KeyID, Message: "must be an identifier"}
		}
		s.ID, s.HasID = ref.ID, true
	}

	return s, nil
}

func parseFields(v any) ([]string, error) {
	switch f := v.(type) {
	case string:
		return fields.Parse(f), nil
	case []string:
		return fields.Parse(strings.Join(f, ",")), nil
	case []any:
		parts := make([]string, 0, len(f))
		for _, item := range f {
			s, ok := item.(string)
			if !ok {
				return nil, &SpecError{Key: KeyFields, Message: "must contain strings"}
			}
			parts = append(parts, s)
		}
		return fields.Parse(strings.Join(parts, ",")), nil
	}
	return nil, &SpecError{Key: KeyFields, Message: "must be a string or a list of strings"}
}

func integer(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
