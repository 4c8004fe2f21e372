package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/xcono/flexql/config"
	"github.com/xcono/flexql/permission"
)

// TokenField carries a bearer token inside a JSON request body.
const TokenField = "__token"

// IdentityResolver determines the caller of a request. It never fails:
// unknown callers are anonymous.
type IdentityResolver interface {
	Resolve(r *http.Request, body map[string]any) *permission.Identity
}

// TokenResolver maps bearer tokens to callers from a static table.
type TokenResolver struct {
	tokens map[string]config.Token
	// Forwarded trusts X-Forwarded-For for the remote address.
	Forwarded bool
}

// NewTokenResolver creates a resolver over a token table.
func NewTokenResolver(tokens map[string]config.Token, forwarded bool) *TokenResolver {
	return &TokenResolver{tokens: tokens, Forwarded: forwarded}
}

func (t *TokenResolver) Resolve(r *http.Request, body map[string]any) *permission.Identity {
	identity := &permission.Identity{RemoteAddr: t.remoteAddr(r)}

	tok, ok := t.tokens[extractToken(r, body)]
	if !ok {
		return identity
	}

	identity.ID = tok.ID
	identity.Authenticated = true
	identity.Superuser = tok.Superuser
	identity.Staff = tok.Staff
	identity.Groups = tok.Groups
	if len(tok.Attrs) > 0 {
		identity.Attrs = make(map[string]any, len(tok.Attrs))
		for k, v := range tok.Attrs {
			identity.Attrs[k] = v
		}
	}
	return identity
}

// extractToken reads the Authorization header first, then the body.
func extractToken(r *http.Request, body map[string]any) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token, ok := body[TokenField].(string); ok {
		return token
	}
	return ""
}

func (t *TokenResolver) remoteAddr(r *http.Request) string {
	if t.Forwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
