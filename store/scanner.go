package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xcono/flexql/builder"
	"github.com/zeromicro/go-zero/core/logx"
)

// ScanRows scans SQL rows into a slice of maps keyed by result column.
// Driver text values of numeric columns are converted to numbers.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range columns {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(results), err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convert(values[i], types[i].DatabaseTypeName())
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	logx.Debugf("query returned %d rows", len(results))
	return results, nil
}

func convert(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)

	switch strings.ToUpper(dbType) {
	case "INT", "INTEGER", "TINYINT", "SMALLINT", "MEDIUMINT", "BIGINT", "INT2", "INT4", "INT8",
		"UNSIGNED INT", "UNSIGNED BIGINT", "UNSIGNED TINYINT", "UNSIGNED SMALLINT":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// nest turns flat rows with aliased relation columns (customer__name)
// into records. structured reports the document-typed columns per relation path.
func nest(row map[string]any, pk map[string]string, structured func(path, column string) bool) *Record {
	root := &Record{PrimaryKey: pk[""], Values: map[string]any{}}

	for alias, value := range row {
		path, column := "", alias
		if i := strings.LastIndex(alias, builder.PathSeparator); i > 0 {
			path = strings.ReplaceAll(alias[:i], builder.PathSeparator, ".")
			column = alias[i+len(builder.PathSeparator):]
		}
		if structured(path, column) {
			value = decodeDocument(value)
		}

		rec := root
		if path != "" {
			rec = child(root, path, pk)
		}
		rec.Values[column] = value
	}

	prune(root)
	return root
}

func child(root *Record, path string, pk map[string]string) *Record {
	rec := root
	current := ""
	for _, seg := range strings.Split(path, ".") {
		if current == "" {
			current = seg
		} else {
			current += "." + seg
		}
		if rec.Related == nil {
			rec.Related = map[string]*Record{}
		}
		next, ok := rec.Related[seg]
		if !ok {
			next = &Record{PrimaryKey: pk[current], Values: map[string]any{}}
			rec.Related[seg] = next
		}
		rec = next
	}
	return rec
}

// prune drops related records whose key is null (LEFT JOIN misses).
func prune(rec *Record) {
	for name, rel := range rec.Related {
		if rel.ID() == nil {
			rec.Related[name] = nil
			continue
		}
		prune(rel)
	}
}

func decodeDocument(v any) any {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return v
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	return doc
}

func encodeDocument(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}
