package fields

import (
	"encoding/json"

	"github.com/xcono/flexql/schema"
)

// Reference is a foreign key value given either as a bare identifier
// or as a related record that carries one.
type Reference struct {
	ID     any
	Record map[string]any
}

// ParseReference interprets v as a foreign key value. Booleans, lists
// and records without an identifier are not references.
func ParseReference(v any, pk string) (Reference, bool) {
	switch id := v.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return Reference{ID: id}, true
	case float64:
		if id != float64(int64(id)) {
			return Reference{}, false
		}
		return Reference{ID: int64(id)}, true
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return Reference{ID: n}, true
		}
		return Reference{}, false
	case string:
		if id == "" {
			return Reference{}, false
		}
		return Reference{ID: id}, true
	case map[string]any:
		inner, ok := id[pk]
		if !ok {
			return Reference{}, false
		}
		ref, ok := ParseReference(inner, pk)
		if !ok || ref.Record != nil {
			return Reference{}, false
		}
		ref.Record = id
		return ref, true
	}
	return Reference{}, false
}

// NormalizeForeignKeys rewrites foreign key attributes given as references
// to their storage column: {"customer": 5} becomes {"customer_id": 5}.
// Other keys are copied unchanged.
func NormalizeForeignKeys(reg *schema.Registry, e *schema.Entity, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		rel, isFK := e.Relations[key]
		if !isFK {
			out[key] = value
			continue
		}

		pk := schema.DefaultPrimaryKey
		if target, ok := reg.Entity(rel.Entity); ok {
			pk = target.PrimaryKey
		}
		ref, ok := ParseReference(value, pk)
		if !ok {
			out[key] = value
			continue
		}
		out[rel.Column] = ref.ID
	}
	return out
}

// BaseAttribute maps a foreign key column back to its relation name for
// permission checks. Other keys are returned as is.
func BaseAttribute(e *schema.Entity, key string) string {
	for name, rel := range e.Relations {
		if rel.Column == key {
			return name
		}
	}
	return key
}
