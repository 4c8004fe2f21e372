package permission

import (
	"fmt"
	"os"
	"strings"

	"github.com/xcono/flexql/builder"
	"gopkg.in/yaml.v3"
)

// Reserved entity-level keys in permission documents.
const (
	keyExclude   = "exclude"
	keyRateLimit = "rate_limit"
)

const identityRef = "$identity."

// Config maps entity names to their permissions.
// An entity missing from Config is inaccessible to every role.
type Config map[string]EntityConfig

// EntityConfig holds the role grants of one entity.
type EntityConfig struct {
	Roles map[string]Grant
	// Exclude hides attributes from wildcard expansion for every role.
	Exclude   []string
	RateLimit Quota
}

// Entity returns the configuration of an entity (case-insensitive).
func (c Config) Entity(name string) (EntityConfig, bool) {
	ec, ok := c[strings.ToLower(name)]
	return ec, ok
}

// Exclude returns the attributes hidden from wildcards for entity.
func (c Config) Exclude(entity string) []string {
	ec, _ := c.Entity(entity)
	return ec.Exclude
}

// LoadConfigFile reads a YAML (or JSON) permission document.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a permission document:
//
//	booking:
//	  exclude: [internal_notes]
//	  rate_limit: {default: 100, list: 20}
//	  staff: "*"
//	  authenticated:
//	    rows: {owner: $identity.id}
//	    fields: ["*", "customer.*"]
//	    filters: [status, status.in]
//	    order_by: [created, -created]
//	    ops: [get, list]
//	    rate_limit: 30
//
// Every key of an entity other than exclude and rate_limit names a role.
// Row predicates are filter specifications; string values of the form
// $identity.id or $identity.<claim> are taken from the caller.
func ParseConfig(data []byte) (Config, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse permissions: %w", err)
	}

	cfg := make(Config, len(raw))
	for entity, entries := range raw {
		ec := EntityConfig{Roles: make(map[string]Grant, len(entries))}
		for key, value := range entries {
			var err error
			switch key {
			case keyExclude:
				ec.Exclude, err = stringList(value)
			case keyRateLimit:
				ec.RateLimit, err = parseQuota(value)
			default:
				ec.Roles[strings.ToLower(key)], err = parseGrant(value)
			}
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", entity, key, err)
			}
		}
		cfg[strings.ToLower(entity)] = ec
	}
	return cfg, nil
}

func parseGrant(value any) (Grant, error) {
	if s, ok := value.(string); ok && s == Any {
		return FullAccess{}, nil
	}
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return NoAccess{}, nil
	}

	var (
		g   Explicit
		err error
	)
	for key, v := range m {
		switch key {
		case "rows":
			g.Rows, err = parseRows(v)
		case "fields":
			g.Fields, err = stringList(v)
		case "filters":
			g.Filters, err = stringList(v)
		case "order_by":
			g.OrderBy, err = stringList(v)
		case "ops", "operations":
			var ops []string
			ops, err = stringList(v)
			g.Ops = append(g.Ops, ops...)
		case keyRateLimit:
			g.RateLimit, err = parseQuota(v)
		default:
			err = fmt.Errorf("unknown grant key %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func parseRows(v any) (RowScope, error) {
	switch rows := v.(type) {
	case nil:
		return RowScope{}, nil
	case string:
		if rows == Any {
			return AllRows(), nil
		}
	case map[string]any:
		p, err := builder.Compile(rows)
		if err != nil {
			return RowScope{}, err
		}
		if !referencesIdentity(p) {
			return Rows(p), nil
		}
		return RowsFunc(func(identity *Identity) builder.Predicate {
			return bindIdentity(p, identity)
		}), nil
	}
	return InvalidRows(), nil
}

func referencesIdentity(p builder.Predicate) bool {
	found := false
	p.MapValues(func(v any) any {
		if s, ok := v.(string); ok && strings.HasPrefix(s, identityRef) {
			found = true
		}
		return v
	})
	return found
}

// bindIdentity substitutes $identity references. A reference the caller
// cannot satisfy turns the whole predicate into match-nothing.
func bindIdentity(p builder.Predicate, identity *Identity) builder.Predicate {
	missing := false
	bound := p.MapValues(func(v any) any {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, identityRef) {
			return v
		}
		value, ok := identity.Attr(strings.TrimPrefix(s, identityRef))
		if !ok {
			missing = true
		}
		return value
	})
	if missing {
		return builder.None()
	}
	return bound
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case string:
		if list == "" {
			return nil, nil
		}
		return []string{list}, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings, got %T item", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %T", v)
}

func parseQuota(v any) (Quota, error) {
	switch q := v.(type) {
	case nil:
		return nil, nil
	case int:
		return Quota{QuotaDefault: q}, nil
	case map[string]any:
		out := make(Quota, len(q))
		for op, n := range q {
			limit, ok := n.(int)
			if !ok {
				return nil, fmt.Errorf("rate limit %s: expected an integer, got %T", op, n)
			}
			out[op] = limit
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected an integer or a mapping, got %T", v)
}
