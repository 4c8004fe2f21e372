package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// DefaultSlowThreshold marks statements worth a slow log entry.
const DefaultSlowThreshold = 500 * time.Millisecond

// Executor runs statements on a database and logs them.
type Executor struct {
	db            *sql.DB
	slowThreshold time.Duration
}

// NewExecutor creates an executor over db.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db, slowThreshold: DefaultSlowThreshold}
}

// Query runs a statement returning rows.
func (e *Executor) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer e.observe(ctx, time.Now(), query, args)
	return e.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement returning at most one row.
func (e *Executor) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	defer e.observe(ctx, time.Now(), query, args)
	return e.db.QueryRowContext(ctx, query, args...)
}

// Exec runs a statement without rows.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer e.observe(ctx, time.Now(), query, args)
	return e.db.ExecContext(ctx, query, args...)
}

func (e *Executor) observe(ctx context.Context, start time.Time, query string, args []any) {
	d := time.Since(start)
	logger := logx.WithContext(ctx).WithDuration(d)
	if d > e.slowThreshold {
		logger.Sloww("slow statement", logx.Field("sql", query))
		return
	}
	logger.Debugw("statement", logx.Field("sql", query), logx.Field("args", args))
}
