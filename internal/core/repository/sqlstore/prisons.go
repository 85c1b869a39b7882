package sqlstore

import (
	"context"
	"fmt"

	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/jmoiron/sqlx"
)

func (s *Store) PrisonsManagedBy(ctx context.Context, username string) (models.PrisonSet, error) {
	var ids []models.PrisonID
	query := s.db.Rebind(`SELECT prison_id FROM prison_user_mappings WHERE username = ?`)
	if err := s.db.SelectContext(ctx, &ids, query, username); err != nil {
		return nil, fmt.Errorf("prisons managed by %s: %w", username, err)
	}
	return models.NewPrisonSet(ids...), nil
}

func (s *Store) AllPrisons(ctx context.Context) (models.PrisonSet, error) {
	var ids []models.PrisonID
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM prisons`); err != nil {
		return nil, fmt.Errorf("all prisons: %w", err)
	}
	return models.NewPrisonSet(ids...), nil
}

// SavePrison inserts or renames a prison. The prison and mapping tables are
// maintained by administration tooling; these writers back it and the tests.
func (s *Store) SavePrison(ctx context.Context, p models.Prison) error {
	query := s.db.Rebind(`INSERT INTO prisons (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`)
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name); err != nil {
		return fmt.Errorf("save prison %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GrantPrisons(ctx context.Context, username string, prisons ...models.PrisonID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO prison_user_mappings (username, prison_id) VALUES (?, ?)
			ON CONFLICT (username, prison_id) DO NOTHING`)
		for _, p := range prisons {
			if _, err := tx.ExecContext(ctx, query, username, p); err != nil {
				return fmt.Errorf("grant %s to %s: %w", p, username, err)
			}
		}
		return nil
	})
}

func (s *Store) RevokePrisons(ctx context.Context, username string, prisons ...models.PrisonID) error {
	if len(prisons) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM prison_user_mappings WHERE username = ? AND prison_id IN (?)`,
		username, prisonStrings(prisons))
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("revoke prisons from %s: %w", username, err)
	}
	return nil
}

func prisonStrings(ids []models.PrisonID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
