package sqlitedb

import (
	"context"
	"fmt"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	log logger.Logger
	*sqlx.DB
}

// NewSQLiteDB opens path with immediate write transactions, so a writer owns
// the database lock from BEGIN, and a busy timeout so contending writers
// wait instead of failing at once.
func NewSQLiteDB(path string, log logger.Logger) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db.SetMaxOpenConns(8)

	log.Info("Opened SQLite database", logger.StringField("path", path))

	return &Database{log: log, DB: db}, nil
}

func (db *Database) Close() error {
	db.log.Info("Closing database connection")
	return db.DB.Close()
}
