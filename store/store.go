// Package store executes engine operations against a relational database.
package store

import (
	"context"
	"errors"

	"github.com/xcono/flexql/builder"
	"github.com/xcono/flexql/schema"
)

// ErrNotFound is returned when no record matches an identifier and predicate.
var ErrNotFound = errors.New("record not found")

// Record is one fetched row. Values are keyed by storage column; eagerly
// loaded relations are nested by relation name and nil when the reference
// is empty.
type Record struct {
	PrimaryKey string
	Values     map[string]any
	Related    map[string]*Record
}

// ID returns the primary key value.
func (r *Record) ID() any {
	if r == nil {
		return nil
	}
	return r.Values[r.PrimaryKey]
}

// Query describes a read.
type Query struct {
	Entity *schema.Entity
	Where  builder.Predicate
	// Relations are dotted relation paths to load along with each record.
	Relations []string
	// OrderBy holds orderings like "-customer.name". The primary key is
	// always appended as a tiebreaker.
	OrderBy []string
	// Limit of zero or less fetches everything.
	Limit  int
	Offset int
}

// Store is the persistence collaborator of the engine.
type Store interface {
	Find(ctx context.Context, q Query) ([]*Record, error)
	// Get returns the record with id that also satisfies where, or ErrNotFound.
	Get(ctx context.Context, e *schema.Entity, id any, where builder.Predicate, relations []string) (*Record, error)
	// Create inserts values keyed by column and returns the stored record.
	Create(ctx context.Context, e *schema.Entity, values map[string]any) (*Record, error)
	Update(ctx context.Context, e *schema.Entity, id any, values map[string]any) error
	Delete(ctx context.Context, e *schema.Entity, id any) error
}
