package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect isolates what differs between PostgreSQL and SQLite. Queries are
// written with ? placeholders and rebound by sqlx.
type dialect interface {
	name() string
	schema() string
	// forUpdate locks the selected rows until the transaction ends.
	forUpdate() string
	// skipLocked is like forUpdate but skips rows another transaction holds.
	skipLocked() string
	// lockUser serializes lock claims of one user so the capacity check and
	// the claim cannot interleave with a concurrent claim by the same user.
	lockUser(ctx context.Context, tx *sqlx.Tx, username string) error
	isRetryable(err error) bool
}

func dialectFor(driverName string) (dialect, error) {
	switch driverName {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driverName)
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string       { return "postgres" }
func (postgresDialect) schema() string     { return postgresSchema }
func (postgresDialect) forUpdate() string  { return " FOR UPDATE" }
func (postgresDialect) skipLocked() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) lockUser(ctx context.Context, tx *sqlx.Tx, username string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, username); err != nil {
		return fmt.Errorf("lock user %s: %w", username, err)
	}
	return nil
}

func (postgresDialect) isRetryable(err error) bool {
	// 40001 serialization failure, 40P01 deadlock, 55P03 lock not available
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// sqliteDialect relies on immediate write transactions (_txlock=immediate):
// a writer holds the database write lock from BEGIN, so row locking and
// per-user serialization come for free.
type sqliteDialect struct{}

func (sqliteDialect) name() string       { return "sqlite3" }
func (sqliteDialect) schema() string     { return sqliteSchema }
func (sqliteDialect) forUpdate() string  { return "" }
func (sqliteDialect) skipLocked() string { return "" }

func (sqliteDialect) lockUser(context.Context, *sqlx.Tx, string) error {
	return nil
}

func (sqliteDialect) isRetryable(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}
