package permission

import (
	"fmt"
	"strings"

	"github.com/xcono/flexql/builder"
)

// Built-in role names.
const (
	RoleAnon          = "anon"
	RoleAuthenticated = "authenticated"
	RoleStaff         = "staff"
	RoleSuperuser     = "superuser"
)

// Identity is the resolved caller of a request. A nil identity is anonymous.
type Identity struct {
	ID            any
	Authenticated bool
	Superuser     bool
	Staff         bool
	// Groups in membership order; the first one names the role.
	Groups []string
	// Attrs are free-form claims usable in row predicates as $identity.<name>.
	Attrs map[string]any
	// RemoteAddr keys rate limits of anonymous callers.
	RemoteAddr string
}

// Anonymous reports whether i carries no authenticated caller.
func (i *Identity) Anonymous() bool {
	return i == nil || !i.Authenticated
}

// Attr resolves "id" or a claim name.
func (i *Identity) Attr(name string) (any, bool) {
	if i == nil {
		return nil, false
	}
	if name == "id" {
		return i.ID, i.ID != nil
	}
	v, ok := i.Attrs[name]
	return v, ok
}

func (i *Identity) String() string {
	if i.Anonymous() {
		return RoleAnon
	}
	return fmt.Sprintf("user:%v", i.ID)
}

// Resolution is the outcome of a custom role resolver. A non-nil Rows is the
// default row restriction for the role, overridable by configuration.
type Resolution struct {
	Role string
	Rows *builder.Predicate
}

// RoleResolver maps an authenticated identity to a role for one entity.
// Returning false falls back to the built-in role signals.
type RoleResolver interface {
	ResolveRole(identity *Identity, entity string) (Resolution, bool)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(identity *Identity, entity string) (Resolution, bool)

func (f RoleResolverFunc) ResolveRole(identity *Identity, entity string) (Resolution, bool) {
	return f(identity, entity)
}

// Role resolves the caller's role and the resolver-supplied row predicate, if any.
// Anonymous callers are always "anon".
func (e *Engine) Role(identity *Identity, entity string) Resolution {
	if identity.Anonymous() {
		return Resolution{Role: RoleAnon}
	}

	if e.resolver != nil {
		if res, ok := e.resolver.ResolveRole(identity, strings.ToLower(entity)); ok && res.Role != "" {
			res.Role = strings.ToLower(res.Role)
			return res
		}
	}

	switch {
	case identity.Superuser:
		return Resolution{Role: RoleSuperuser}
	case identity.Staff:
		return Resolution{Role: RoleStaff}
	case len(identity.Groups) > 0 && identity.Groups[0] != "":
		return Resolution{Role: strings.ToLower(identity.Groups[0])}
	}
	return Resolution{Role: RoleAuthenticated}
}
