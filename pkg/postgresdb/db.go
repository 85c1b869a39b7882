package postgresdb

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/pkg/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	applicationName = "cashbook"
	pingInterval    = 500 * time.Millisecond
	maxPingInterval = 5 * time.Second
)

type Database struct {
	log logger.Logger
	*sqlx.DB
}

// NewPostgresDB connects and waits up to cfg.ConnectTimeout for the server to
// answer, so the service can start alongside its database.
func NewPostgresDB(cfg config.DBConfig, log logger.Logger) (*Database, error) {
	db, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := waitForServer(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	log.Info("Connected to PostgreSQL",
		logger.StringField("host", cfg.Host),
		logger.IntField("port", cfg.Port),
		logger.StringField("database", cfg.Name),
		logger.StringField("sslmode", cfg.SSLMode))

	return &Database{log: log, DB: db}, nil
}

// DSN renders cfg as a postgres:// URL. Credentials are escaped, so
// passwords may contain spaces, quotes and '@'.
func DSN(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", applicationName)

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	switch {
	case cfg.User != "" && cfg.Password != "":
		u.User = url.UserPassword(cfg.User, cfg.Password)
	case cfg.User != "":
		u.User = url.User(cfg.User)
	}
	return u.String()
}

func waitForServer(ctx context.Context, db *sqlx.DB, log logger.Logger) error {
	delay := pingInterval
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		log.Warn("Database not ready",
			logger.IntField("attempt", attempt),
			logger.ErrorField("error", err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxPingInterval {
			delay = maxPingInterval
		}
	}
}

func (db *Database) Close() error {
	db.log.Info("Closing database connection")
	return db.DB.Close()
}
