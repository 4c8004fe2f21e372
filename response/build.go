package response

import (
	"fmt"
	"strings"
	"time"

	"github.com/xcono/flexql/schema"
	"github.com/xcono/flexql/store"
)

// Build turns a record and a flat list of field paths into a nested tree:
// "customer.name" becomes {"customer": {"name": ...}}. Missing values are nil.
func Build(reg *schema.Registry, e *schema.Entity, rec *store.Record, paths []string) map[string]any {
	if rec == nil {
		return nil
	}

	out := make(map[string]any, len(paths))
	for _, path := range paths {
		parts := strings.Split(path, ".")
		value := Serialize(lookup(reg, e, rec, parts))

		current := out
		placed := true
		for _, part := range parts[:len(parts)-1] {
			next, exists := current[part]
			if !exists {
				m := map[string]any{}
				current[part] = m
				current = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				// a scalar already sits here
				placed = false
				break
			}
			current = m
		}
		if placed {
			current[parts[len(parts)-1]] = value
		}
	}
	return out
}

func lookup(reg *schema.Registry, e *schema.Entity, rec *store.Record, parts []string) any {
	for i, part := range parts {
		if rec == nil || e == nil {
			return nil
		}
		last := i == len(parts)-1

		if e.IsStructured(part) {
			return traverse(rec.Values[e.Column(part)], parts[i+1:])
		}
		if last {
			// a bare foreign key reads the reference column
			if part == e.PrimaryKey {
				return rec.Values[e.PrimaryKey]
			}
			return rec.Values[e.Column(part)]
		}

		rel, ok := e.Relations[part]
		if !ok {
			return nil
		}
		next, _ := reg.Entity(rel.Entity)
		e, rec = next, rec.Related[part]
	}
	return nil
}

func traverse(value any, keys []string) any {
	for _, k := range keys {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[k]
	}
	return value
}

// Serialize normalizes a value for JSON output: times become RFC 3339 text,
// bytes become strings, records become their identifier.
func Serialize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case *store.Record:
		if val == nil {
			return nil
		}
		return fmt.Sprint(val.ID())
	case fmt.Stringer:
		return val.String()
	}
	return v
}
