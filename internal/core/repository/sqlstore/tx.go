package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/jmoiron/sqlx"
)

// withTx runs fn in a transaction bound to ctx. Any error, including a
// cancelled context, rolls the whole transaction back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Transaction rollback failed", logger.ErrorField("error", rbErr))
			if err != nil {
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	committed = true
	return nil
}

// withRetry reruns fn while it fails with store contention, backing off
// exponentially. Other errors are returned as they are.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retry.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !s.dialect.isRetryable(err) {
			return err
		}

		lastErr = err
		s.metrics.StoreRetry(op)
		s.log.Warn("Store contention",
			logger.StringField("operation", op),
			logger.IntField("attempt", attempt),
			logger.ErrorField("error", err))

		if attempt == s.retry.Attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return &models.StoreConflictError{Op: op, Attempts: s.retry.Attempts, Err: lastErr}
}

// inTx combines withRetry and withTx, the shape of every mutation.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		return s.withTx(ctx, fn)
	})
}
