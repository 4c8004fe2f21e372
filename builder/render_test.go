package builder_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/xcono/flexql/builder"
	"github.com/xcono/flexql/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()

	reg, err := schema.NewRegistry(schema.Entities{
		"order": {
			Table:      "orders",
			Attributes: []string{"id", "status", "total", "customer", "meta", "created"},
			Structured: []string{"meta"},
			Relations:  map[string]schema.RelationConf{"customer": {Entity: "customer"}},
		},
		"customer": {
			Table:      "customers",
			Attributes: []string{"id", "name", "email", "company"},
			Relations:  map[string]schema.RelationConf{"company": {Entity: "company"}},
		},
		"company": {
			Table:      "companies",
			Attributes: []string{"id", "name"},
		},
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return reg
}

func render(t *testing.T, flavor sqlbuilder.Flavor, filters map[string]any) (string, []any, error) {
	t.Helper()

	reg := testRegistry(t)
	order, _ := reg.Entity("order")
	r := builder.NewRenderer(reg, order, flavor)

	p, err := builder.Compile(filters)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	sb := flavor.NewSelectBuilder()
	sb.Select("t0.id").From("orders AS t0")
	where, err := r.Condition(&sb.Cond, p)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sb.Where(where)
	}
	r.Aliases().Apply(sb)

	sql, args := sb.Build()
	return sql, args, nil
}

func TestRendererOperators(t *testing.T) {
	tt := []struct {
		name    string
		filters map[string]any
		sql     []string
		args    []any
	}{
		{
			name:    "no filters",
			filters: nil,
			sql:     []string{"SELECT t0.id FROM orders AS t0"},
			args:    nil,
		},
		{
			name:    "equality",
			filters: map[string]any{"status": "pending"},
			sql:     []string{"WHERE t0.status = ?"},
			args:    []any{"pending"},
		},
		{
			name:    "integral float becomes integer",
			filters: map[string]any{"total.gte": float64(100)},
			sql:     []string{"t0.total >= ?"},
			args:    []any{int64(100)},
		},
		{
			name:    "null equality",
			filters: map[string]any{"status": nil},
			sql:     []string{"t0.status IS NULL"},
		},
		{
			name:    "in list",
			filters: map[string]any{"status.in": []any{"a", "b"}},
			sql:     []string{"t0.status IN (?, ?)"},
			args:    []any{"a", "b"},
		},
		{
			name:    "in comma separated",
			filters: map[string]any{"status.in": "a, b"},
			sql:     []string{"t0.status IN (?, ?)"},
			args:    []any{"a", "b"},
		},
		{
			name:    "empty in matches nothing",
			filters: map[string]any{"status.in": []any{}},
			sql:     []string{"WHERE 1 = 0"},
		},
		{
			name:    "range",
			filters: map[string]any{"total.range": []any{float64(1), float64(5)}},
			sql:     []string{"t0.total BETWEEN ? AND ?"},
			args:    []any{int64(1), int64(5)},
		},
		{
			name:    "isnull false",
			filters: map[string]any{"status.isnull": "false"},
			sql:     []string{"t0.status IS NOT NULL"},
		},
		{
			name:    "contains escapes wildcards",
			filters: map[string]any{"status.contains": "50%_off"},
			sql:     []string{"t0.status LIKE ? ESCAPE '!'"},
			args:    []any{"%50!%!_off%"},
		},
		{
			name:    "istartswith lowers both sides",
			filters: map[string]any{"status.istartswith": "Pe"},
			sql:     []string{"LOWER(t0.status) LIKE LOWER(?) ESCAPE '!'"},
			args:    []any{"Pe%"},
		},
		{
			name:    "year",
			filters: map[string]any{"created.year": "2024"},
			sql:     []string{"CAST(strftime('%Y', t0.created) AS INTEGER) = ?"},
			args:    []any{int64(2024)},
		},
		{
			name:    "relation joins",
			filters: map[string]any{"customer.name.icontains": "acme"},
			sql: []string{
				"LEFT JOIN customers AS t1 ON t0.customer_id = t1.id",
				"LOWER(t1.name) LIKE LOWER(?)",
			},
			args: []any{"%acme%"},
		},
		{
			name:    "two hops",
			filters: map[string]any{"customer.company.name": "Acme"},
			sql: []string{
				"LEFT JOIN customers AS t1 ON t0.customer_id = t1.id",
				"LEFT JOIN companies AS t2 ON t1.company_id = t2.id",
				"t2.name = ?",
			},
			args: []any{"Acme"},
		},
		{
			name:    "foreign key as last segment",
			filters: map[string]any{"customer": float64(5)},
			sql:     []string{"t0.customer_id = ?"},
			args:    []any{int64(5)},
		},
		{
			name:    "document path",
			filters: map[string]any{"meta.source.channel": "web"},
			sql:     []string{"json_extract(t0.meta, '$.source.channel') = ?"},
			args:    []any{"web"},
		},
		{
			name: "or and not",
			filters: map[string]any{
				"or":  []any{map[string]any{"status": "a"}, map[string]any{"status": "b"}},
				"not": map[string]any{"total.lt": float64(3)},
			},
			sql:  []string{"NOT (t0.total < ?)", "(t0.status = ? OR t0.status = ?)"},
			args: []any{int64(3), "a", "b"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			sql, args, err := render(t, sqlbuilder.SQLite, tc.filters)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, fragment := range tc.sql {
				if !strings.Contains(sql, fragment) {
					t.Errorf("expected SQL to contain %q, got %s", fragment, sql)
				}
			}
			if len(tc.args) == 0 && len(args) == 0 {
				return
			}
			if !reflect.DeepEqual(args, tc.args) {
				t.Errorf("expected args %v, got %v", tc.args, args)
			}
		})
	}
}

func TestRendererDialects(t *testing.T) {
	tt := []struct {
		name    string
		flavor  sqlbuilder.Flavor
		filters map[string]any
		sql     string
	}{
		{"postgres ilike", sqlbuilder.PostgreSQL, map[string]any{"status.iexact": "x"}, "t0.status ILIKE $1 ESCAPE '!'"},
		{"postgres iregex", sqlbuilder.PostgreSQL, map[string]any{"status.iregex": "^a"}, "t0.status ~* $1"},
		{"postgres week day", sqlbuilder.PostgreSQL, map[string]any{"created.week_day": 2}, "(EXTRACT(DOW FROM t0.created) + 1) = $1"},
		{"postgres document", sqlbuilder.PostgreSQL, map[string]any{"meta.a.b": "x"}, "t0.meta #>> '{a,b}' = $1"},
		{"mysql regex", sqlbuilder.MySQL, map[string]any{"status.regex": "^a"}, "REGEXP_LIKE(t0.status, ?, 'c')"},
		{"mysql month", sqlbuilder.MySQL, map[string]any{"created.month": 3}, "MONTH(t0.created) = ?"},
		{"mysql document", sqlbuilder.MySQL, map[string]any{"meta.a": "x"}, "JSON_UNQUOTE(JSON_EXTRACT(t0.meta, '$.a')) = ?"},
		{"sqlite regex", sqlbuilder.SQLite, map[string]any{"status.regex": "^a"}, "t0.status REGEXP ?"},
		{"sqlite date", sqlbuilder.SQLite, map[string]any{"created.date": "2024-01-02"}, "date(t0.created) = ?"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			sql, _, err := render(t, tc.flavor, tc.filters)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(sql, tc.sql) {
				t.Errorf("expected SQL to contain %q, got %s", tc.sql, sql)
			}
		})
	}
}

func TestRendererRejectsUnknownPaths(t *testing.T) {
	tt := []struct {
		name    string
		filters map[string]any
	}{
		{"unknown attribute", map[string]any{"nope": 1}},
		{"injection attempt", map[string]any{"status; DROP TABLE orders": 1}},
		{"attribute used as relation", map[string]any{"status.name": 1}},
		{"unknown nested attribute", map[string]any{"customer.nope": 1}},
		{"bad document key", map[string]any{"meta.a-b": 1}},
		{"range arity", map[string]any{"total.range": []any{1}}},
		{"compare with list", map[string]any{"total.gt": []any{1}}},
		{"year not a number", map[string]any{"created.year": "soon"}},
		{"isnull not a bool", map[string]any{"status.isnull": "maybe"}},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := render(t, sqlbuilder.SQLite, tc.filters)
			var verr *builder.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRendererValueCap(t *testing.T) {
	reg := testRegistry(t)
	order, _ := reg.Entity("order")
	r := builder.NewRenderer(reg, order, sqlbuilder.SQLite)
	r.MaxValues = 2

	p, _ := builder.Compile(map[string]any{"status.in": []any{"a", "b", "c"}})
	_, err := r.Condition(sqlbuilder.NewCond(), p)
	if err == nil {
		t.Fatal("expected error for too many values")
	}
}

func TestRendererOrderBy(t *testing.T) {
	reg := testRegistry(t)
	order, _ := reg.Entity("order")
	r := builder.NewRenderer(reg, order, sqlbuilder.SQLite)

	tt := []struct {
		order    string
		expected string
	}{
		{"total", "t0.total ASC"},
		{"-total", "t0.total DESC"},
		{"-customer.name", "t1.name DESC"},
		{"customer.company.name", "t2.name ASC"},
	}
	for _, tc := range tt {
		got, err := r.OrderBy(tc.order)
		if err != nil {
			t.Fatalf("OrderBy(%s): %v", tc.order, err)
		}
		if got != tc.expected {
			t.Errorf("OrderBy(%s): expected %s, got %s", tc.order, tc.expected, got)
		}
	}

	if _, err := r.OrderBy("-"); err == nil {
		t.Error("expected error for empty ordering")
	}
	if len(r.Aliases().Joins()) != 2 {
		t.Errorf("expected 2 joins, got %d", len(r.Aliases().Joins()))
	}
}

func TestJoinAliasManager(t *testing.T) {
	jam := builder.NewJoinAliasManager()

	if alias, ok := jam.GetAlias(""); !ok || alias != builder.RootAlias {
		t.Errorf("expected root alias %s, got %s", builder.RootAlias, alias)
	}

	a1 := jam.Register("customer", "", "customers", "customer_id", "id")
	a2 := jam.Register("customer", "", "customers", "customer_id", "id")
	if a1 != a2 {
		t.Errorf("registering the same path twice should reuse the alias, got %s and %s", a1, a2)
	}

	// same table reached through a different path gets its own alias
	a3 := jam.Register("billing", "", "customers", "billing_id", "id")
	if a3 == a1 {
		t.Errorf("expected distinct aliases, got %s twice", a1)
	}

	joins := jam.Joins()
	if len(joins) != 2 {
		t.Fatalf("expected 2 joins, got %d", len(joins))
	}
	if joins[1].On != "t0.billing_id = t2.id" {
		t.Errorf("unexpected join condition: %s", joins[1].On)
	}

	if got := builder.PathAlias("customer.company"); got != "customer__company" {
		t.Errorf("expected customer__company, got %s", got)
	}
}
