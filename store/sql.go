package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/xcono/flexql/builder"
	"github.com/xcono/flexql/schema"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	exec   *Executor
	reg    *schema.Registry
	flavor sqlbuilder.Flavor
	// MaxValues caps list values of in/range filters. Zero keeps the renderer default.
	MaxValues int
}

// NewSQLStore creates a store over db. driver is the database/sql driver
// name and selects the SQL dialect.
func NewSQLStore(db *sql.DB, driver string, reg *schema.Registry) *SQLStore {
	return &SQLStore{exec: NewExecutor(db), reg: reg, flavor: Flavor(driver)}
}

// Flavor maps a driver name to its SQL dialect.
func Flavor(driver string) sqlbuilder.Flavor {
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "postgresql":
		return sqlbuilder.PostgreSQL
	case "sqlite3", "sqlite", schema.SQLiteDriver:
		return sqlbuilder.SQLite
	}
	return sqlbuilder.MySQL
}

// SelectSQL builds the statement of a read without running it.
func (s *SQLStore) SelectSQL(q Query) (string, []any, error) {
	e := q.Entity
	r := builder.NewRenderer(s.reg, e, s.flavor)
	if s.MaxValues > 0 {
		r.MaxValues = s.MaxValues
	}
	sb := s.flavor.NewSelectBuilder()

	cols := selectColumns(builder.RootAlias, "", e)
	for _, rel := range eagerPaths(s.reg, e, q.Relations) {
		alias, target, err := r.Relation(rel)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, selectColumns(alias, builder.PathAlias(rel)+builder.PathSeparator, target)...)
	}
	sb.Select(cols...).From(fmt.Sprintf("%s AS %s", e.Table, builder.RootAlias))

	where, err := r.Condition(&sb.Cond, q.Where)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sb.Where(where)
	}

	var orderings []string
	byKey := false
	for _, o := range q.OrderBy {
		expr, err := r.OrderBy(o)
		if err != nil {
			return "", nil, err
		}
		if strings.TrimPrefix(o, "-") == e.PrimaryKey {
			byKey = true
		}
		orderings = append(orderings, expr)
	}
	if !byKey {
		orderings = append(orderings, builder.RootAlias+"."+e.PrimaryKey+" ASC")
	}
	sb.OrderBy(orderings...)

	r.Aliases().Apply(sb)

	if q.Limit > 0 {
		sb.Limit(q.Limit)
		if q.Offset > 0 {
			sb.Offset(q.Offset)
		}
	}

	query, args := sb.Build()
	return query, args, nil
}

func (s *SQLStore) Find(ctx context.Context, q Query) ([]*Record, error) {
	query, args, err := s.SelectSQL(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Entity.Table, err)
	}
	defer rows.Close()

	flat, err := ScanRows(rows)
	if err != nil {
		return nil, err
	}

	pk, structured := s.layout(q.Entity, q.Relations)
	records := make([]*Record, 0, len(flat))
	for _, row := range flat {
		records = append(records, nest(row, pk, structured))
	}
	return records, nil
}

func (s *SQLStore) Get(ctx context.Context, e *schema.Entity, id any, where builder.Predicate, relations []string) (*Record, error) {
	records, err := s.Find(ctx, Query{
		Entity:    e,
		Where:     builder.And(builder.Eq(e.PrimaryKey, id), where),
		Relations: relations,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *SQLStore) Create(ctx context.Context, e *schema.Entity, values map[string]any) (*Record, error) {
	cols, vals, err := columnValues(e, values)
	if err != nil {
		return nil, err
	}

	var query string
	var args []any
	if len(cols) == 0 {
		query = s.emptyInsert(e)
	} else {
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto(e.Table).Cols(cols...).Values(vals...)
		if s.flavor == sqlbuilder.PostgreSQL {
			ib.SQL("RETURNING " + e.PrimaryKey)
		}
		query, args = ib.Build()
	}

	id, ok := values[e.PrimaryKey]
	switch {
	case s.flavor == sqlbuilder.PostgreSQL:
		if err := s.exec.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", e.Table, err)
		}
	default:
		res, err := s.exec.Exec(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", e.Table, err)
		}
		if !ok {
			last, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("failed to read inserted id: %w", err)
			}
			id = last
		}
	}

	return s.Get(ctx, e, id, builder.All(), nil)
}

func (s *SQLStore) emptyInsert(e *schema.Entity) string {
	if s.flavor == sqlbuilder.MySQL {
		return fmt.Sprintf("INSERT INTO %s () VALUES ()", e.Table)
	}
	if s.flavor == sqlbuilder.PostgreSQL {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", e.Table, e.PrimaryKey)
	}
	return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", e.Table)
}

func (s *SQLStore) Update(ctx context.Context, e *schema.Entity, id any, values map[string]any) error {
	cols, vals, err := columnValues(e, values)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	ub := s.flavor.NewUpdateBuilder()
	assignments := make([]string, len(cols))
	for i, col := range cols {
		assignments[i] = ub.Assign(col, vals[i])
	}
	ub.Update(e.Table).Set(assignments...).Where(ub.Equal(e.PrimaryKey, id))

	query, args := ub.Build()
	if _, err := s.exec.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", e.Table, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, e *schema.Entity, id any) error {
	db := s.flavor.NewDeleteBuilder()
	db.DeleteFrom(e.Table).Where(db.Equal(e.PrimaryKey, id))

	query, args := db.Build()
	res, err := s.exec.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", e.Table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// layout collects the primary keys and document columns of every relation path.
func (s *SQLStore) layout(e *schema.Entity, relations []string) (map[string]string, func(path, column string) bool) {
	entities := map[string]*schema.Entity{"": e}
	for _, rel := range eagerPaths(s.reg, e, relations) {
		current := e
		for _, seg := range strings.Split(rel, ".") {
			current, _ = s.reg.Related(current, seg)
		}
		entities[rel] = current
	}

	pk := make(map[string]string, len(entities))
	for path, ent := range entities {
		pk[path] = ent.PrimaryKey
	}
	return pk, func(path, column string) bool {
		ent, ok := entities[path]
		if !ok {
			return false
		}
		attr, ok := ent.AttributeForColumn(column)
		return ok && ent.IsStructured(attr)
	}
}

// eagerPaths keeps the relation chains of the given paths, cutting each at
// the first segment that is not a relation (documents, plain attributes).
func eagerPaths(reg *schema.Registry, e *schema.Entity, paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		current := e
		var kept []string
		for _, seg := range strings.Split(p, ".") {
			next, ok := reg.Related(current, seg)
			if !ok {
				break
			}
			kept = append(kept, seg)
			current = next
		}
		// parents first so aliases are registered in order
		for i := 1; i <= len(kept); i++ {
			prefix := strings.Join(kept[:i], ".")
			if !seen[prefix] {
				seen[prefix] = true
				out = append(out, prefix)
			}
		}
	}
	sort.Strings(out)
	return out
}

func selectColumns(alias, prefix string, e *schema.Entity) []string {
	cols := e.Columns()
	hasPK := false
	for _, c := range cols {
		if c == e.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		cols = append([]string{e.PrimaryKey}, cols...)
	}

	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%s.%s AS %s%s", alias, c, prefix, c)
	}
	return out
}

// columnValues orders writes by column and encodes documents.
func columnValues(e *schema.Entity, values map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, col := range cols {
		v := values[col]
		if n, ok := v.(json.Number); ok {
			v = number(n)
		}
		if attr, ok := e.AttributeForColumn(col); ok && e.IsStructured(attr) {
			encoded, err := encodeDocument(v)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode %s: %w", col, err)
			}
			v = encoded
		}
		vals[i] = v
	}
	return cols, vals, nil
}

// number converts a JSON number to int64 when integral, float64 otherwise.
func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
