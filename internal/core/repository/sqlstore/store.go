// Package sqlstore is the transaction store. The same queries run on
// PostgreSQL in production and on SQLite for local runs and tests; only the
// locking clauses and error classification differ (see dialect.go).
//
// Every mutating method is one database transaction. Preconditions are
// checked inside it, against rows that are locked for the duration, so a
// rejected batch leaves no trace and an accepted one is applied whole.
package sqlstore

import (
	"fmt"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/metrics"
	"github.com/Nzyazin/cashbook/internal/core/repository"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

var (
	_ repository.TransactionRepository = (*Store)(nil)
	_ repository.PrisonRepository      = (*Store)(nil)
)

// RetryPolicy bounds retries of operations that failed on store contention.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 25 * time.Millisecond}

type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     logger.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy
	now     func() time.Time
	newID   func() string
}

type Option func(*Store)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sqlx.DB, log logger.Logger, opts ...Option) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		dialect: d,
		log:     log,
		retry:   DefaultRetryPolicy,
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Attempts < 1 {
		return nil, fmt.Errorf("invalid retry attempts: %d", s.retry.Attempts)
	}
	return s, nil
}

// timestamp truncates to the precision both databases keep.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
