package builder

import (
	"fmt"
	"strings"
)

// Kind discriminates predicate nodes.
type Kind int

const (
	KindAll Kind = iota
	KindNone
	KindLeaf
	KindAnd
	KindOr
	KindNot
)

// Predicate is a store-agnostic boolean expression over attribute paths.
// The zero value matches every row.
type Predicate struct {
	Kind     Kind
	Path     []string
	Op       string
	Value    any
	Children []Predicate
}

// All matches every row.
func All() Predicate { return Predicate{Kind: KindAll} }

// None matches no row.
func None() Predicate { return Predicate{Kind: KindNone} }

// Leaf compares the attribute at path with value using op.
func Leaf(path []string, op string, value any) Predicate {
	return Predicate{Kind: KindLeaf, Path: path, Op: op, Value: value}
}

// Eq is shorthand for an exact leaf on a dotted path.
func Eq(path string, value any) Predicate {
	return Leaf(strings.Split(path, "."), OpExact, value)
}

// And conjoins predicates. Match-all operands are dropped, a match-none operand wins.
func And(ps ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range ps {
		switch p.Kind {
		case KindAll:
			continue
		case KindNone:
			return None()
		case KindAnd:
			kept = append(kept, p.Children...)
		default:
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return All()
	case 1:
		return kept[0]
	}
	return Predicate{Kind: KindAnd, Children: kept}
}

// Or disjoins predicates. An empty disjunction matches everything,
// a match-all operand wins and match-none operands are dropped.
func Or(ps ...Predicate) Predicate {
	if len(ps) == 0 {
		return All()
	}
	var kept []Predicate
	for _, p := range ps {
		switch p.Kind {
		case KindAll:
			return All()
		case KindNone:
			continue
		case KindOr:
			kept = append(kept, p.Children...)
		default:
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return None()
	case 1:
		return kept[0]
	}
	return Predicate{Kind: KindOr, Children: kept}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	switch p.Kind {
	case KindAll:
		return None()
	case KindNone:
		return All()
	case KindNot:
		return p.Children[0]
	}
	return Predicate{Kind: KindNot, Children: []Predicate{p}}
}

// IsAll reports whether p matches every row.
func (p Predicate) IsAll() bool { return p.Kind == KindAll }

// MapValues returns a copy of p with fn applied to every leaf value.
func (p Predicate) MapValues(fn func(any) any) Predicate {
	switch p.Kind {
	case KindLeaf:
		return Leaf(p.Path, p.Op, fn(p.Value))
	case KindAnd, KindOr, KindNot:
		children := make([]Predicate, len(p.Children))
		for i, c := range p.Children {
			children[i] = c.MapValues(fn)
		}
		return Predicate{Kind: p.Kind, Children: children}
	}
	return p
}

// Paths returns every attribute path referenced by p.
func (p Predicate) Paths() [][]string {
	var out [][]string
	p.walk(func(leaf Predicate) {
		out = append(out, leaf.Path)
	})
	return out
}

func (p Predicate) walk(fn func(Predicate)) {
	if p.Kind == KindLeaf {
		fn(p)
		return
	}
	for _, c := range p.Children {
		c.walk(fn)
	}
}

func (p Predicate) String() string {
	switch p.Kind {
	case KindAll:
		return "TRUE"
	case KindNone:
		return "FALSE"
	case KindLeaf:
		return fmt.Sprintf("%s %s %v", strings.Join(p.Path, "."), p.Op, p.Value)
	case KindNot:
		return "NOT " + p.Children[0].String()
	}
	sep := " AND "
	if p.Kind == KindOr {
		sep = " OR "
	}
	parts := make([]string, len(p.Children))
	for i, c := range p.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
