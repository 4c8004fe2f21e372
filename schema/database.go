package schema

import (
	"database/sql"
	"fmt"
	"strings"
)

// OpenDB opens a database from a "driver://dsn" string.
// Postgres keeps its URL form since lib/pq parses it directly.
func OpenDB(dsn string) (*sql.DB, error) {
	driver, uri, err := SplitDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, uri)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// SplitDSN splits a "driver://dsn" string into the database/sql driver name and its DSN.
func SplitDSN(dsn string) (driver, uri string, err error) {
	driver, uri, ok := strings.Cut(dsn, "://")
	if !ok || driver == "" || uri == "" {
		return "", "", fmt.Errorf("invalid dsn %q: expected driver://dsn", dsn)
	}

	switch driver {
	case "postgres", "postgresql":
		return "postgres", dsn, nil
	case "sqlite", "sqlite3":
		return SQLiteDriver, uri, nil
	}
	return driver, uri, nil
}
