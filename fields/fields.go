// Package fields resolves requested field specifiers into concrete field paths.
package fields

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xcono/flexql/schema"
)

const (
	// Wildcard selects every concrete attribute of an entity.
	Wildcard = "*"
	// Separator delimits relation hops in a field path.
	Separator = "."
)

// DepthError reports a specifier that reaches deeper than allowed.
type DepthError struct {
	Spec string
	Max  int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("field '%s' exceeds max relation depth of %d", e.Spec, e.Max)
}

// ExcludeFunc returns the attributes hidden from wildcard expansion for an entity.
type ExcludeFunc func(entity string) []string

// Parse splits a comma-separated field list. An empty list selects everything.
func Parse(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return []string{Wildcard}
	}
	return out
}

// Depth counts the relation hops of a path.
func Depth(path string) int {
	return strings.Count(path, Separator)
}

// Expand resolves specifiers against entity. Wildcards expand to concrete
// attributes minus the excluded ones; dotted paths pass through after a
// depth check. The result is deduplicated in first-seen order.
func Expand(reg *schema.Registry, entity *schema.Entity, specs []string, exclude ExcludeFunc, maxDepth int) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	for _, spec := range specs {
		switch {
		case spec == Wildcard:
			for _, attr := range visible(entity, exclude) {
				add(attr)
			}

		case strings.HasSuffix(spec, Separator+Wildcard):
			relPath := strings.TrimSuffix(spec, Separator+Wildcard)
			parts := strings.Split(relPath, Separator)
			if len(parts) > maxDepth {
				return nil, &DepthError{Spec: spec, Max: maxDepth}
			}

			target := walk(reg, entity, parts)
			if target == nil {
				// not a relation path: nothing to expand
				continue
			}
			for _, attr := range visible(target, exclude) {
				add(relPath + Separator + attr)
			}

		default:
			if Depth(spec) > maxDepth {
				return nil, &DepthError{Spec: spec, Max: maxDepth}
			}
			add(spec)
		}
	}

	return out, nil
}

func visible(e *schema.Entity, exclude ExcludeFunc) []string {
	if exclude == nil {
		return e.Attributes
	}
	hidden := exclude(e.Name)
	if len(hidden) == 0 {
		return e.Attributes
	}

	skip := make(map[string]bool, len(hidden))
	for _, h := range hidden {
		skip[h] = true
	}
	out := make([]string, 0, len(e.Attributes))
	for _, attr := range e.Attributes {
		if !skip[attr] {
			out = append(out, attr)
		}
	}
	return out
}

func walk(reg *schema.Registry, e *schema.Entity, relations []string) *schema.Entity {
	for _, rel := range relations {
		next, ok := reg.Related(e, rel)
		if !ok {
			return nil
		}
		e = next
	}
	return e
}

// Relations returns the relation prefixes to eager-load for paths:
// every dotted path contributes everything but its last segment.
func Relations(paths []string) []string {
	set := make(map[string]bool)
	for _, p := range paths {
		if i := strings.LastIndex(p, Separator); i > 0 {
			set[p[:i]] = true
		}
	}

	out := make([]string, 0, len(set))
	for rel := range set {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}
