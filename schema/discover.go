package schema

import (
	"context"
	"fmt"
	"strings"
)

// Discover fills in the attributes of entities that declare none,
// reading their columns from the database catalog.
func (r *Registry) Discover(ctx context.Context, db Catalog) error {
	for _, name := range r.Names() {
		e := r.entities[name]
		if len(e.Attributes) > 0 {
			continue
		}

		tables, err := db.Tables(ctx, e.Table)
		if err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", e.Table, err)
		}
		if len(tables) == 0 || len(tables[0].Columns) == 0 {
			return fmt.Errorf("table %s not found for entity %s", e.Table, e.Name)
		}

		e.Attributes = attributesFromColumns(e, tables[0].Columns)
	}
	return nil
}

func attributesFromColumns(e *Entity, columns []Column) []string {
	byColumn := make(map[string]string, len(e.Relations))
	for rel, target := range e.Relations {
		byColumn[target.Column] = rel
	}

	attrs := make([]string, 0, len(columns))
	for _, col := range columns {
		attr := col.Name
		if rel, ok := byColumn[col.Name]; ok {
			attr = rel
		}
		if strings.EqualFold(col.Type, "json") || strings.EqualFold(col.Type, "jsonb") {
			e.structured[attr] = true
		}
		if col.PrimaryKey && e.PrimaryKey == DefaultPrimaryKey && col.Name != DefaultPrimaryKey {
			e.PrimaryKey = col.Name
		}
		attrs = append(attrs, attr)
	}
	return attrs
}
