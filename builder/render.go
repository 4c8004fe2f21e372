package builder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/xcono/flexql/schema"
)

// DefaultMaxValues bounds list values of in/range filters.
const DefaultMaxValues = 500

var jsonKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Renderer turns predicates and orderings into SQL for one root entity.
// Every path is resolved against the schema; names never come from input verbatim.
type Renderer struct {
	reg       *schema.Registry
	root      *schema.Entity
	flavor    sqlbuilder.Flavor
	aliases   *JoinAliasManager
	MaxValues int
}

// NewRenderer creates a renderer for queries rooted at entity.
func NewRenderer(reg *schema.Registry, root *schema.Entity, flavor sqlbuilder.Flavor) *Renderer {
	return &Renderer{
		reg:       reg,
		root:      root,
		flavor:    flavor,
		aliases:   NewJoinAliasManager(),
		MaxValues: DefaultMaxValues,
	}
}

// Aliases exposes the joins registered while resolving paths.
func (r *Renderer) Aliases() *JoinAliasManager {
	return r.aliases
}

// Relation registers joins along a dotted relation path and returns the
// alias and entity at its end.
func (r *Renderer) Relation(path string) (string, *schema.Entity, error) {
	if path == "" {
		return RootAlias, r.root, nil
	}

	e := r.root
	alias := RootAlias
	parent := ""
	for _, seg := range strings.Split(path, ".") {
		rel, ok := e.Relations[seg]
		if !ok {
			return "", nil, invalid(path, "'%s' is not a relation of %s", seg, e.Name)
		}
		target, ok := r.reg.Entity(rel.Entity)
		if !ok {
			return "", nil, invalid(path, "unknown entity %s", rel.Entity)
		}
		current := seg
		if parent != "" {
			current = parent + "." + seg
		}
		alias = r.aliases.Register(current, parent, target.Table, rel.Column, target.PrimaryKey)
		parent = current
		e = target
	}
	return alias, e, nil
}

// Column resolves an attribute path to a qualified SQL expression.
func (r *Renderer) Column(path []string) (string, error) {
	key := strings.Join(path, ".")
	if len(path) == 0 {
		return "", invalid(key, "empty path")
	}

	e := r.root
	alias := RootAlias
	for i, seg := range path {
		last := i == len(path)-1

		if !last && e.IsStructured(seg) {
			return r.jsonPath(alias+"."+e.Column(seg), path[i+1:], key)
		}
		if last {
			if seg == e.PrimaryKey || e.HasAttribute(seg) {
				return alias + "." + e.Column(seg), nil
			}
			// customer_id addresses the customer reference column
			if _, ok := e.AttributeForColumn(seg); ok {
				return alias + "." + seg, nil
			}
			return "", invalid(key, "unknown attribute '%s' on %s", seg, e.Name)
		}
		if _, ok := e.Relations[seg]; !ok {
			return "", invalid(key, "'%s' is not a relation of %s", seg, e.Name)
		}

		var err error
		alias, e, err = r.Relation(strings.Join(path[:i+1], "."))
		if err != nil {
			return "", err
		}
	}
	return "", invalid(key, "unresolvable path")
}

func (r *Renderer) jsonPath(column string, keys []string, key string) (string, error) {
	for _, k := range keys {
		if !jsonKeyPattern.MatchString(k) {
			return "", invalid(key, "invalid document key '%s'", k)
		}
	}

	switch r.flavor {
	case sqlbuilder.PostgreSQL:
		return fmt.Sprintf("%s #>> '{%s}'", column, strings.Join(keys, ",")), nil
	case sqlbuilder.MySQL:
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, '$.%s'))", column, strings.Join(keys, ".")), nil
	default:
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, strings.Join(keys, ".")), nil
	}
}

// Condition renders p as a WHERE expression. Match-all renders as "".
func (r *Renderer) Condition(c *sqlbuilder.Cond, p Predicate) (string, error) {
	switch p.Kind {
	case KindAll:
		return "", nil
	case KindNone:
		return "1 = 0", nil
	case KindLeaf:
		return r.leaf(c, p)
	case KindNot:
		inner, err := r.Condition(c, p.Children[0])
		if err != nil {
			return "", err
		}
		if inner == "" {
			return "1 = 0", nil
		}
		return "NOT (" + inner + ")", nil
	}

	var conditions []string
	for _, child := range p.Children {
		cond, err := r.Condition(c, child)
		if err != nil {
			return "", err
		}
		if cond == "" {
			if p.Kind == KindOr {
				return "", nil
			}
			continue
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) == 0 {
		return "", nil
	}

	op := " AND "
	if p.Kind == KindOr {
		op = " OR "
	}
	return "(" + strings.Join(conditions, op) + ")", nil
}

func (r *Renderer) leaf(c *sqlbuilder.Cond, p Predicate) (string, error) {
	key := strings.Join(p.Path, ".") + "." + p.Op
	col, err := r.Column(p.Path)
	if err != nil {
		return "", err
	}

	switch p.Op {
	case OpExact:
		if p.Value == nil {
			return c.IsNull(col), nil
		}
		v, err := scalar(key, p.Value)
		if err != nil {
			return "", err
		}
		return c.EQ(col, v), nil
	case OpIExact:
		v, err := text(key, p.Value)
		if err != nil {
			return "", err
		}
		return r.like(c, col, escapeLike(v), true), nil
	case OpLT, OpLTE, OpGT, OpGTE:
		v, err := scalar(key, p.Value)
		if err != nil {
			return "", err
		}
		if v == nil {
			return "", invalid(key, "cannot compare with null")
		}
		switch p.Op {
		case OpLT:
			return c.LT(col, v), nil
		case OpLTE:
			return c.LE(col, v), nil
		case OpGT:
			return c.GT(col, v), nil
		}
		return c.GE(col, v), nil
	case OpIn:
		values, err := r.list(key, p.Value)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "1 = 0", nil
		}
		return c.In(col, values...), nil
	case OpRange:
		values, err := r.list(key, p.Value)
		if err != nil {
			return "", err
		}
		if len(values) != 2 {
			return "", invalid(key, "range expects exactly two values")
		}
		return c.Between(col, values[0], values[1]), nil
	case OpIsNull:
		isNull, err := boolean(key, p.Value)
		if err != nil {
			return "", err
		}
		if isNull {
			return c.IsNull(col), nil
		}
		return c.IsNotNull(col), nil
	case OpContains, OpIContains, OpStartsWith, OpIStartsWith, OpEndsWith, OpIEndsWith:
		v, err := text(key, p.Value)
		if err != nil {
			return "", err
		}
		pattern := escapeLike(v)
		switch p.Op {
		case OpContains, OpIContains:
			pattern = "%" + pattern + "%"
		case OpStartsWith, OpIStartsWith:
			pattern = pattern + "%"
		default:
			pattern = "%" + pattern
		}
		insensitive := p.Op == OpIContains || p.Op == OpIStartsWith || p.Op == OpIEndsWith
		return r.like(c, col, pattern, insensitive), nil
	case OpRegex, OpIRegex:
		v, err := text(key, p.Value)
		if err != nil {
			return "", err
		}
		return r.regex(c, col, v, p.Op == OpIRegex), nil
	case OpDate:
		v, err := scalar(key, p.Value)
		if err != nil {
			return "", err
		}
		return r.datePart(OpDate, col) + " = " + c.Var(v), nil
	case OpYear, OpMonth, OpDay, OpWeekDay, OpHour, OpMinute, OpSecond:
		n, err := integer(key, p.Value)
		if err != nil {
			return "", err
		}
		return r.datePart(p.Op, col) + " = " + c.Var(n), nil
	}
	return "", invalid(key, "unknown operator: %s", p.Op)
}

// like renders a LIKE with '!' as escape character, which every supported
// dialect accepts in a literal without backslash handling differences.
func (r *Renderer) like(c *sqlbuilder.Cond, col, pattern string, insensitive bool) string {
	if !insensitive {
		return fmt.Sprintf("%s LIKE %s ESCAPE '!'", col, c.Var(pattern))
	}
	if r.flavor == sqlbuilder.PostgreSQL {
		return fmt.Sprintf("%s ILIKE %s ESCAPE '!'", col, c.Var(pattern))
	}
	return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s) ESCAPE '!'", col, c.Var(pattern))
}

func (r *Renderer) regex(c *sqlbuilder.Cond, col, pattern string, insensitive bool) string {
	switch r.flavor {
	case sqlbuilder.PostgreSQL:
		if insensitive {
			return fmt.Sprintf("%s ~* %s", col, c.Var(pattern))
		}
		return fmt.Sprintf("%s ~ %s", col, c.Var(pattern))
	case sqlbuilder.MySQL:
		mode := "c"
		if insensitive {
			mode = "i"
		}
		return fmt.Sprintf("REGEXP_LIKE(%s, %s, '%s')", col, c.Var(pattern), mode)
	}
	if insensitive {
		pattern = "(?i)" + pattern
	}
	return fmt.Sprintf("%s REGEXP %s", col, c.Var(pattern))
}

func (r *Renderer) datePart(op, col string) string {
	switch r.flavor {
	case sqlbuilder.PostgreSQL:
		switch op {
		case OpDate:
			return fmt.Sprintf("CAST(%s AS DATE)", col)
		case OpWeekDay:
			return fmt.Sprintf("(EXTRACT(DOW FROM %s) + 1)", col)
		}
		return fmt.Sprintf("EXTRACT(%s FROM %s)", strings.ToUpper(op), col)
	case sqlbuilder.MySQL:
		switch op {
		case OpDate:
			return fmt.Sprintf("DATE(%s)", col)
		case OpWeekDay:
			return fmt.Sprintf("DAYOFWEEK(%s)", col)
		}
		return fmt.Sprintf("%s(%s)", strings.ToUpper(op), col)
	}

	formats := map[string]string{
		OpYear: "%Y", OpMonth: "%m", OpDay: "%d",
		OpHour: "%H", OpMinute: "%M", OpSecond: "%S",
	}
	switch op {
	case OpDate:
		return fmt.Sprintf("date(%s)", col)
	case OpWeekDay:
		return fmt.Sprintf("(CAST(strftime('%%w', %s) AS INTEGER) + 1)", col)
	}
	return fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", formats[op], col)
}

// OrderBy resolves an ordering like "-customer.name" to "t1.name DESC".
func (r *Renderer) OrderBy(order string) (string, error) {
	order = strings.TrimSpace(order)
	dir := "ASC"
	if strings.HasPrefix(order, "-") {
		dir = "DESC"
		order = order[1:]
	}
	if order == "" {
		return "", invalid("order_by", "empty ordering")
	}
	col, err := r.Column(strings.Split(order, "."))
	if err != nil {
		return "", err
	}
	return col + " " + dir, nil
}

func (r *Renderer) list(key string, value any) ([]any, error) {
	var raw []any
	switch v := value.(type) {
	case []any:
		raw = v
	case []string:
		for _, s := range v {
			raw = append(raw, s)
		}
	case string:
		// query-string form: a,b,c
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				raw = append(raw, s)
			}
		}
	default:
		return nil, invalid(key, "expects a list")
	}

	limit := r.MaxValues
	if limit <= 0 {
		limit = DefaultMaxValues
	}
	if len(raw) > limit {
		return nil, invalid(key, "too many values (%d > %d)", len(raw), limit)
	}

	out := make([]any, 0, len(raw))
	for _, item := range raw {
		v, err := scalar(key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func scalar(key string, value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return int64(v), nil
		}
		return v, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, invalid(key, "invalid number %s", v)
		}
		return f, nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return nil, invalid(key, "expects a scalar value, got %T", value)
}

func text(key string, value any) (string, error) {
	v, err := scalar(key, value)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", invalid(key, "expects text, got null")
	}
	return fmt.Sprint(v), nil
}

func integer(key string, value any) (int64, error) {
	v, err := scalar(key, value)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err == nil {
			return i, nil
		}
	}
	return 0, invalid(key, "expects an integer")
}

func boolean(key string, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b, nil
		}
	case float64:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	}
	return false, invalid(key, "expects a boolean")
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
