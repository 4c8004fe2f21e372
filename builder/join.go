package builder

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// RootAlias is the alias of the queried entity's table.
const RootAlias = "t0"

// Join is one LEFT JOIN needed to reach a relation path.
type Join struct {
	// Path is the dotted relation path, e.g. customer.company.
	Path  string
	Table string
	Alias string
	On    string
}

// JoinAliasManager manages table aliases for JOIN operations.
// Aliases are keyed by relation path, so two relations targeting
// the same table get distinct aliases.
type JoinAliasManager struct {
	aliases map[string]string // relation path -> alias
	joins   []Join
	counter int
}

// NewJoinAliasManager creates a new alias manager
func NewJoinAliasManager() *JoinAliasManager {
	return &JoinAliasManager{
		aliases: map[string]string{"": RootAlias},
	}
}

// GetAlias returns the alias for a relation path ("" is the root table).
func (jam *JoinAliasManager) GetAlias(path string) (string, bool) {
	alias, ok := jam.aliases[path]
	return alias, ok
}

// Register records the join for path if it is not known yet and returns its alias.
func (jam *JoinAliasManager) Register(path, parentPath, table, fkColumn, pkColumn string) string {
	if alias, ok := jam.aliases[path]; ok {
		return alias
	}

	jam.counter++
	alias := fmt.Sprintf("t%d", jam.counter)
	jam.aliases[path] = alias
	parent := jam.aliases[parentPath]
	jam.joins = append(jam.joins, Join{
		Path:  path,
		Table: table,
		Alias: alias,
		On:    fmt.Sprintf("%s.%s = %s.%s", parent, fkColumn, alias, pkColumn),
	})
	return alias
}

// Joins returns the registered joins in registration order, parents first.
func (jam *JoinAliasManager) Joins() []Join {
	out := make([]Join, len(jam.joins))
	copy(out, jam.joins)
	return out
}

// Apply adds the registered joins to a select builder.
func (jam *JoinAliasManager) Apply(sb *sqlbuilder.SelectBuilder) {
	for _, j := range jam.joins {
		sb.JoinWithOption(sqlbuilder.LeftJoin, fmt.Sprintf("%s AS %s", j.Table, j.Alias), j.On)
	}
}

// PathAlias turns a dotted relation path into a result column prefix: customer.company -> customer__company
func PathAlias(path string) string {
	return strings.ReplaceAll(path, ".", PathSeparator)
}
