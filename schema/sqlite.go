package schema

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriver is the database/sql name of SQLite with a REGEXP function.
// Plain go-sqlite3 leaves REGEXP undefined, so "x REGEXP y" fails at query time.
const SQLiteDriver = "sqlite3_regexp"

func init() {
	sql.Register(SQLiteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", matchRegexp, true)
		},
	})
}

// matchRegexp backs "value REGEXP pattern"; SQLite passes the pattern first.
// NULL values never match.
func matchRegexp(pattern string, value any) (bool, error) {
	var s string
	switch v := value.(type) {
	case nil:
		return false, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	return regexp.MatchString(pattern, s)
}
