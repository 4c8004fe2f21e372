package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

type (
	// Catalog reads table metadata of a live database.
	Catalog interface {
		// Tables describes the named tables, or every base table when none
		// are named. Unknown tables come back without columns.
		Tables(ctx context.Context, tables ...string) ([]Table, error)
	}

	Table struct {
		Name    string   `json:"name"`
		Columns []Column `json:"columns"`
		Indexes []Index  `json:"indexes,omitempty"`
	}

	Column struct {
		Name          string `json:"name"`
		Type          string `json:"type"`
		Nullable      bool   `json:"nullable"`
		Default       string `json:"default,omitempty"`
		AutoIncrement bool   `json:"autoIncrement"`
		PrimaryKey    bool   `json:"primaryKey"`
		ForeignKey    bool   `json:"foreignKey"`
		UniqueKey     bool   `json:"uniqueKey"`
	}

	Index struct {
		Name    string   `json:"name"`
		Columns []string `json:"columns"`
		Unique  bool     `json:"unique"`
	}

	// MySQL reads information_schema of the connected database.
	MySQL struct{ db *sql.DB }
	// Postgres reads information_schema of the current schema.
	Postgres struct{ db *sql.DB }
	// SQLite reads the table_info pragma.
	SQLite struct{ db *sql.DB }
)

// NewCatalog picks the catalog reader of a database/sql driver.
func NewCatalog(db *sql.DB, driver string) (Catalog, error) {
	switch driver {
	case "mysql":
		return NewMySQL(db), nil
	case "postgres":
		return &Postgres{db: db}, nil
	case "sqlite3", SQLiteDriver:
		return &SQLite{db: db}, nil
	}
	return nil, fmt.Errorf("no catalog reader for driver %s", driver)
}

// NewMySQL creates a MySQL catalog reader.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

// Tables loads columns from information_schema.columns and indexes from
// information_schema.statistics.
func (d *MySQL) Tables(ctx context.Context, tables ...string) ([]Table, error) {
	var dbName string
	if err := d.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&dbName); err != nil {
		return nil, fmt.Errorf("failed to retrieve database name: %w", err)
	}

	list := func(ctx context.Context) ([]string, error) {
		sb := sqlbuilder.MySQL.NewSelectBuilder()
		sb.Select("TABLE_NAME").From("INFORMATION_SCHEMA.TABLES").Where(
			sb.Equal("TABLE_SCHEMA", dbName),
			sb.Equal("TABLE_TYPE", "BASE TABLE"),
		).OrderBy("TABLE_NAME")
		return queryStrings(ctx, d.db, sb)
	}

	read := func(ctx context.Context, name string) (Table, error) {
		columns, err := d.columns(ctx, dbName, name)
		if err != nil {
			return Table{}, err
		}
		indexes, err := d.indexes(ctx, dbName, name)
		if err != nil {
			return Table{}, err
		}
		return Table{Name: name, Columns: columns, Indexes: indexes}, nil
	}

	return collect(ctx, tables, list, read)
}

func (d *MySQL) columns(ctx context.Context, dbName, table string) ([]Column, error) {
	sb := sqlbuilder.MySQL.NewSelectBuilder()
	sb.Select("COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "COLUMN_KEY", "EXTRA").
		From("INFORMATION_SCHEMA.COLUMNS").
		Where(sb.Equal("TABLE_SCHEMA", dbName), sb.Equal("TABLE_NAME", table)).
		OrderBy("ORDINAL_POSITION")

	query, args := sb.Build()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			col                  Column
			nullable, key, extra string
			defaultValue         sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &defaultValue, &key, &extra); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		col.Default = defaultValue.String
		col.PrimaryKey = key == "PRI"
		col.ForeignKey = key == "MUL"
		col.UniqueKey = key == "UNI"
		col.AutoIncrement = strings.Contains(extra, "auto_increment")
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (d *MySQL) indexes(ctx context.Context, dbName, table string) ([]Index, error) {
	sb := sqlbuilder.MySQL.NewSelectBuilder()
	sb.Select("INDEX_NAME", "COLUMN_NAME", "NON_UNIQUE").
		From("INFORMATION_SCHEMA.STATISTICS").
		Where(
			sb.Equal("TABLE_SCHEMA", dbName),
			sb.Equal("TABLE_NAME", table),
			sb.NotEqual("INDEX_NAME", "PRIMARY"),
		).
		OrderBy("INDEX_NAME", "SEQ_IN_INDEX")

	query, args := sb.Build()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*Index)
	for rows.Next() {
		var (
			name, column string
			nonUnique    int
		)
		if err := rows.Scan(&name, &column, &nonUnique); err != nil {
			return nil, err
		}
		idx, ok := byName[name]
		if !ok {
			idx = &Index{Name: name, Unique: nonUnique == 0}
			byName[name] = idx
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]Index, 0, len(byName))
	for _, idx := range byName {
		indexes = append(indexes, *idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
	return indexes, nil
}

// Tables loads columns and primary keys from information_schema.
func (d *Postgres) Tables(ctx context.Context, tables ...string) ([]Table, error) {
	list := func(ctx context.Context) ([]string, error) {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("table_name").From("information_schema.tables").Where(
			"table_schema = current_schema()",
			sb.Equal("table_type", "BASE TABLE"),
		).OrderBy("table_name")
		return queryStrings(ctx, d.db, sb)
	}
	return collect(ctx, tables, list, d.table)
}

func (d *Postgres) table(ctx context.Context, name string) (Table, error) {
	pk := sqlbuilder.PostgreSQL.NewSelectBuilder()
	pk.Select("kcu.column_name").
		From("information_schema.table_constraints tc").
		Join("information_schema.key_column_usage kcu",
			"tc.constraint_name = kcu.constraint_name",
			"tc.table_schema = kcu.table_schema").
		Where(
			pk.Equal("tc.constraint_type", "PRIMARY KEY"),
			"tc.table_schema = current_schema()",
			pk.Equal("tc.table_name", name),
		)
	keys, err := queryStrings(ctx, d.db, pk)
	if err != nil {
		return Table{}, err
	}
	primary := make(map[string]bool, len(keys))
	for _, k := range keys {
		primary[k] = true
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("column_name", "data_type", "is_nullable", "column_default").
		From("information_schema.columns").
		Where("table_schema = current_schema()", sb.Equal("table_name", name)).
		OrderBy("ordinal_position")

	query, args := sb.Build()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	t := Table{Name: name}
	for rows.Next() {
		var (
			col          Column
			nullable     string
			defaultValue sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &defaultValue); err != nil {
			return Table{}, err
		}
		col.Nullable = nullable == "YES"
		col.Default = defaultValue.String
		col.PrimaryKey = primary[col.Name]
		col.AutoIncrement = strings.HasPrefix(col.Default, "nextval(")
		t.Columns = append(t.Columns, col)
	}
	return t, rows.Err()
}

// Tables loads columns from the table_info pragma.
func (d *SQLite) Tables(ctx context.Context, tables ...string) ([]Table, error) {
	list := func(ctx context.Context) ([]string, error) {
		sb := sqlbuilder.SQLite.NewSelectBuilder()
		sb.Select("name").From("sqlite_master").Where(
			sb.Equal("type", "table"),
			sb.NotLike("name", "sqlite_%"),
		).OrderBy("name")
		return queryStrings(ctx, d.db, sb)
	}
	return collect(ctx, tables, list, d.table)
}

func (d *SQLite) table(ctx context.Context, name string) (Table, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, name)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	t := Table{Name: name}
	for rows.Next() {
		var (
			col          Column
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &defaultValue, &pk); err != nil {
			return Table{}, err
		}
		col.Nullable = notNull == 0 && pk == 0
		col.Default = defaultValue.String
		col.PrimaryKey = pk > 0
		col.AutoIncrement = col.PrimaryKey && strings.EqualFold(col.Type, "INTEGER")
		t.Columns = append(t.Columns, col)
	}
	return t, rows.Err()
}

// collect reads the named tables, or every table list returns.
func collect(ctx context.Context, tables []string, list func(context.Context) ([]string, error), read func(context.Context, string) (Table, error)) ([]Table, error) {
	if len(tables) == 0 {
		all, err := list(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get all tables: %w", err)
		}
		tables = all
	}

	result := make([]Table, 0, len(tables))
	for _, name := range tables {
		t, err := read(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get info for table %s: %w", name, err)
		}
		result = append(result, t)
	}
	return result, nil
}

func queryStrings(ctx context.Context, db *sql.DB, b sqlbuilder.Builder) ([]string, error) {
	query, args := b.Build()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
