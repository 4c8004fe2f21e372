package permission

import (
	"slices"

	"github.com/xcono/flexql/builder"
)

// Operations
const (
	OpGet    = "get"
	OpList   = "list"
	OpAdd    = "add"
	OpEdit   = "edit"
	OpDelete = "delete"
)

// AllOps is every operation, in canonical order.
var AllOps = []string{OpGet, OpList, OpAdd, OpEdit, OpDelete}

// Any is the "everything" marker in field, filter and ordering lists.
const Any = "*"

// Grant is the configured access of one role to one entity:
// FullAccess, Explicit or NoAccess.
type Grant interface {
	grant()
}

// FullAccess is the "*" shorthand.
type FullAccess struct{}

// NoAccess denies everything.
type NoAccess struct{}

// Explicit lists what a role may do. Missing lists deny.
type Explicit struct {
	Rows    RowScope
	Fields  []string
	Filters []string
	OrderBy []string
	Ops     []string
	// RateLimit overrides entity and global quotas for this role.
	RateLimit Quota
}

func (FullAccess) grant() {}
func (NoAccess) grant()   {}
func (Explicit) grant()   {}

// Rules is a normalized grant.
type Rules struct {
	Full      bool
	Rows      RowScope
	Fields    []string
	Filters   []string
	OrderBy   []string
	Ops       []string
	RateLimit Quota
}

// Normalize resolves the grant shorthands once: "*" grants base fields, all
// rows, all filters, all orderings and every operation; anything empty or
// unknown denies all.
func Normalize(g Grant) Rules {
	switch v := g.(type) {
	case FullAccess, *FullAccess:
		return Rules{
			Full:    true,
			Rows:    AllRows(),
			Fields:  []string{Any},
			Filters: []string{Any},
			OrderBy: []string{Any},
			Ops:     slices.Clone(AllOps),
		}
	case Explicit:
		return normalizeExplicit(v)
	case *Explicit:
		if v != nil {
			return normalizeExplicit(*v)
		}
	}
	return Rules{Rows: NoRows()}
}

func normalizeExplicit(g Explicit) Rules {
	if g.isZero() {
		return Rules{Rows: NoRows()}
	}
	return Rules{
		Rows:      g.Rows,
		Fields:    g.Fields,
		Filters:   g.Filters,
		OrderBy:   g.OrderBy,
		Ops:       g.Ops,
		RateLimit: g.RateLimit,
	}
}

func (g Explicit) isZero() bool {
	return g.Rows.kind == scopeUnset && len(g.Fields) == 0 && len(g.Filters) == 0 &&
		len(g.OrderBy) == 0 && len(g.Ops) == 0 && len(g.RateLimit) == 0
}

// Allows reports whether op is granted.
func (r Rules) Allows(op string) bool {
	return slices.Contains(r.Ops, op)
}

type scopeKind int

const (
	scopeUnset scopeKind = iota
	scopeAll
	scopeNone
	scopePredicate
	scopeFunc
	scopeInvalid
)

// RowScope is the configured row restriction of a grant.
// The zero value is unset and defers to the role resolver.
type RowScope struct {
	kind scopeKind
	pred builder.Predicate
	fn   func(*Identity) builder.Predicate
}

// AllRows places no restriction on rows.
func AllRows() RowScope { return RowScope{kind: scopeAll} }

// NoRows matches nothing.
func NoRows() RowScope { return RowScope{kind: scopeNone} }

// Rows restricts to a fixed predicate.
func Rows(p builder.Predicate) RowScope { return RowScope{kind: scopePredicate, pred: p} }

// RowsFunc restricts to a predicate computed from the caller.
// The identity is nil for anonymous callers.
func RowsFunc(fn func(*Identity) builder.Predicate) RowScope {
	return RowScope{kind: scopeFunc, fn: fn}
}

// InvalidRows marks an unrecognized configured value; it matches nothing.
func InvalidRows() RowScope { return RowScope{kind: scopeInvalid} }

// IsSet reports whether the scope was configured.
func (s RowScope) IsSet() bool { return s.kind != scopeUnset }

// Resolve picks the effective row predicate: configuration first, then the
// resolver-supplied predicate, then no restriction.
func (s RowScope) Resolve(identity *Identity, fallback *builder.Predicate) builder.Predicate {
	switch s.kind {
	case scopeAll:
		return builder.All()
	case scopeNone, scopeInvalid:
		return builder.None()
	case scopePredicate:
		return s.pred
	case scopeFunc:
		if identity.Anonymous() {
			identity = nil
		}
		return s.fn(identity)
	}
	if fallback != nil {
		return *fallback
	}
	return builder.All()
}

// Quota is a per-minute request limit keyed by operation; "default" applies
// to operations without their own entry.
type Quota map[string]int

// QuotaDefault is the key of the fallback limit in a Quota.
const QuotaDefault = "default"

// Limit returns the quota for op.
func (q Quota) Limit(op string) (int, bool) {
	if n, ok := q[op]; ok {
		return n, true
	}
	n, ok := q[QuotaDefault]
	return n, ok
}
