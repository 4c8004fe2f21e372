package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// DefaultPrimaryKey is used when an entity does not declare one.
const DefaultPrimaryKey = "id"

type (
	// Entity is the read-only metadata of one entity type.
	Entity struct {
		Name       string
		Table      string
		PrimaryKey string
		// Attributes are the concrete attributes in declaration order.
		// Forward relations appear under their relation name.
		Attributes []string
		Relations  map[string]Relation
		structured map[string]bool
	}

	// Relation is a forward relation to another entity.
	Relation struct {
		Entity string
		Column string
	}

	// Registry resolves entity names to their metadata.
	Registry struct {
		entities map[string]*Entity
	}
)

// NewRegistry builds a registry from the entity declarations.
func NewRegistry(conf Entities) (*Registry, error) {
	r := &Registry{entities: make(map[string]*Entity, len(conf))}

	for name, ec := range conf {
		e := &Entity{
			Name:       strings.ToLower(name),
			Table:      ec.Table,
			PrimaryKey: ec.PrimaryKey,
			Attributes: slices.Clone(ec.Attributes),
			Relations:  make(map[string]Relation, len(ec.Relations)),
			structured: make(map[string]bool, len(ec.Structured)),
		}
		if e.Table == "" {
			e.Table = e.Name
		}
		if e.PrimaryKey == "" {
			e.PrimaryKey = DefaultPrimaryKey
		}
		for _, s := range ec.Structured {
			e.structured[s] = true
		}
		for rel, rc := range ec.Relations {
			if rc.Entity == "" {
				return nil, fmt.Errorf("entity %s: relation %s has no target entity", name, rel)
			}
			column := rc.Column
			if column == "" {
				column = rel + "_id"
			}
			e.Relations[rel] = Relation{Entity: strings.ToLower(rc.Entity), Column: column}
		}
		if _, dup := r.entities[e.Name]; dup {
			return nil, fmt.Errorf("entity %s declared twice", e.Name)
		}
		r.entities[e.Name] = e
	}

	// relations must point at declared entities
	for _, e := range r.entities {
		for rel, target := range e.Relations {
			if _, ok := r.entities[target.Entity]; !ok {
				return nil, fmt.Errorf("entity %s: relation %s targets unknown entity %s", e.Name, rel, target.Entity)
			}
		}
	}

	return r, nil
}

// Entity returns the entity with the given name (case-insensitive).
func (r *Registry) Entity(name string) (*Entity, bool) {
	e, ok := r.entities[strings.ToLower(name)]
	return e, ok
}

// Related returns the target entity of a relation.
func (r *Registry) Related(e *Entity, relation string) (*Entity, bool) {
	rel, ok := e.Relations[relation]
	if !ok {
		return nil, false
	}
	return r.Entity(rel.Entity)
}

// Names returns all entity names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsStructured reports whether attr is a document-typed attribute.
func (e *Entity) IsStructured(attr string) bool {
	return e.structured[attr]
}

// IsForeignKey reports whether attr is a forward relation reference.
func (e *Entity) IsForeignKey(attr string) bool {
	_, ok := e.Relations[attr]
	return ok
}

// HasAttribute reports whether attr is a concrete attribute.
func (e *Entity) HasAttribute(attr string) bool {
	return slices.Contains(e.Attributes, attr)
}

// Column returns the storage column of an attribute.
func (e *Entity) Column(attr string) string {
	if rel, ok := e.Relations[attr]; ok {
		return rel.Column
	}
	return attr
}

// Columns returns the storage columns of all concrete attributes.
func (e *Entity) Columns() []string {
	cols := make([]string, 0, len(e.Attributes))
	for _, attr := range e.Attributes {
		cols = append(cols, e.Column(attr))
	}
	return cols
}

// AttributeForColumn maps a storage column back to its attribute name.
func (e *Entity) AttributeForColumn(column string) (string, bool) {
	for _, attr := range e.Attributes {
		if e.Column(attr) == column {
			return attr, true
		}
	}
	return "", false
}

// ForeignKeys returns the relation names, sorted.
func (e *Entity) ForeignKeys() []string {
	keys := make([]string, 0, len(e.Relations))
	for k := range e.Relations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
