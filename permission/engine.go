// Package permission decides what a caller may read, filter, order and change.
package permission

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xcono/flexql/builder"
)

// DefaultMaxDepth bounds relation hops when the engine is built without one.
const DefaultMaxDepth = 2

// ErrDenied is matched by every permission failure.
var ErrDenied = errors.New("permission denied")

// DeniedError carries the reason of a denial.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// Is makes errors.Is(err, ErrDenied) hold.
func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

func deny(format string, args ...any) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// Decision is the outcome of a successful Check.
type Decision struct {
	Role string
	// Rows restricts the records the caller may see or change.
	Rows   builder.Predicate
	Fields []string
	// Bypass is set for a superuser holding the full-access shorthand.
	Bypass bool
	Rules  Rules
}

// Engine enforces permission configurations.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	resolver RoleResolver
	maxDepth int
}

// NewEngine creates an engine. resolver may be nil.
func NewEngine(resolver RoleResolver, maxDepth int) *Engine {
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{resolver: resolver, maxDepth: maxDepth}
}

// MaxDepth is the deepest relation path the engine lets through.
func (e *Engine) MaxDepth() int {
	return e.maxDepth
}

type grantLookup struct {
	res    Resolution
	raw    Grant
	rules  Rules
	entity EntityConfig
}

func (e *Engine) lookup(perms Config, identity *Identity, entity string) (grantLookup, error) {
	entity = strings.ToLower(entity)

	ec, ok := perms.Entity(entity)
	if !ok {
		return grantLookup{}, deny("Access denied: model '%s' not configured", entity)
	}

	res := e.Role(identity, entity)
	raw, ok := ec.Roles[res.Role]
	if !ok {
		if res.Role == RoleAnon {
			return grantLookup{}, deny("Anonymous access denied: no 'anon' role configured for '%s'", entity)
		}
		return grantLookup{}, deny("Access denied: role '%s' cannot access '%s'", res.Role, entity)
	}

	return grantLookup{res: res, raw: raw, rules: Normalize(raw), entity: ec}, nil
}

// Check verifies that the caller may perform op on entity reading fields,
// and resolves the row restriction.
func (e *Engine) Check(perms Config, identity *Identity, entity, op string, fields []string) (*Decision, error) {
	g, err := e.lookup(perms, identity, entity)
	if err != nil {
		return nil, err
	}

	if !identity.Anonymous() && identity.Superuser && isFullAccess(g.raw) {
		return &Decision{Role: g.res.Role, Rows: builder.All(), Fields: fields, Bypass: true, Rules: g.rules}, nil
	}

	if !g.rules.Allows(op) {
		return nil, deny("Access denied: operation '%s' not allowed on '%s'", op, strings.ToLower(entity))
	}

	for _, f := range fields {
		if d := strings.Count(f, "."); d > e.maxDepth {
			return nil, deny("Field '%s' exceeds max relation depth of %d", f, e.maxDepth)
		}
	}

	if denied, ok := FieldsAllowed(fields, g.rules.Fields); !ok {
		return nil, deny("Access denied: field '%s' not accessible", denied)
	}

	return &Decision{
		Role:   g.res.Role,
		Rows:   g.rules.Rows.Resolve(identity, g.res.Rows),
		Fields: fields,
		Rules:  g.rules,
	}, nil
}

// CheckFilters verifies every filter key is granted exactly, operator included.
func (e *Engine) CheckFilters(perms Config, identity *Identity, entity string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	g, err := e.lookup(perms, identity, entity)
	if err != nil {
		return err
	}
	if err := e.CheckDepth(keys, ""); err != nil {
		return err
	}
	if slices.Contains(g.rules.Filters, Any) {
		return nil
	}

	for _, key := range keys {
		if builder.IsComposition(key) {
			continue
		}
		if !slices.Contains(g.rules.Filters, key) {
			return deny("Filter denied: '%s' not allowed for filtering", key)
		}
	}
	return nil
}

// CheckOrder verifies the ordering is granted exactly.
func (e *Engine) CheckOrder(perms Config, identity *Identity, entity, order string) error {
	if order == "" {
		return nil
	}
	g, err := e.lookup(perms, identity, entity)
	if err != nil {
		return err
	}
	if err := e.CheckDepth(nil, order); err != nil {
		return err
	}
	if slices.Contains(g.rules.OrderBy, Any) || slices.Contains(g.rules.OrderBy, order) {
		return nil
	}
	return deny("Order denied: '%s' not allowed for ordering", order)
}

// CheckDepth bounds the relation depth of filter keys and ordering paths.
// It holds for every caller, "*" grants and superusers included.
func (e *Engine) CheckDepth(keys []string, order string) error {
	for _, key := range keys {
		if builder.IsComposition(key) {
			continue
		}
		if d := builder.ParseKey(key).Depth(); d > e.maxDepth {
			return deny("Filter denied: '%s' exceeds max relation depth of %d", key, e.maxDepth)
		}
	}
	for _, part := range strings.Split(order, ",") {
		path := strings.TrimPrefix(strings.TrimSpace(part), "-")
		if strings.Count(path, ".") > e.maxDepth {
			return deny("Order denied: '%s' exceeds max relation depth of %d", path, e.maxDepth)
		}
	}
	return nil
}

// Quotas returns the role and entity rate limits applying to the caller.
// Missing configuration yields nil quotas.
func (e *Engine) Quotas(perms Config, identity *Identity, entity string) (role Quota, model Quota) {
	ec, ok := perms.Entity(entity)
	if !ok {
		return nil, nil
	}
	res := e.Role(identity, entity)
	if raw, ok := ec.Roles[res.Role]; ok {
		role = Normalize(raw).RateLimit
	}
	return role, ec.RateLimit
}

func isFullAccess(g Grant) bool {
	switch g.(type) {
	case FullAccess, *FullAccess:
		return true
	}
	return false
}

// MatchField reports whether a field path matches an allowed pattern.
// "*" matches base attributes only, "rel.*" matches the attributes of rel
// (one segment past the prefix), anything else must match exactly.
// "rel.*" is narrower than a prefix match: "rel.sub.name" needs its own
// "rel.sub.*" or exact pattern.
func MatchField(field, pattern string) bool {
	if pattern == Any {
		return !strings.Contains(field, ".")
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		rest, ok := strings.CutPrefix(field, prefix+".")
		return ok && rest != "" && !strings.Contains(rest, ".")
	}
	return field == pattern
}

// FieldsAllowed checks fields against patterns and returns the first denied one.
// An empty pattern list denies any non-empty request.
func FieldsAllowed(fields, patterns []string) (string, bool) {
	for _, f := range fields {
		allowed := false
		for _, p := range patterns {
			if MatchField(f, p) {
				allowed = true
				break
			}
		}
		if !allowed {
			return f, false
		}
	}
	return "", true
}
