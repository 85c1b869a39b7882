package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const transactionColumns = `id, prison_id, amount, prisoner_number, prisoner_name, prisoner_dob,
	sender_name, sender_sort_code, sender_account_number, reference, received_at,
	COALESCE(owner, '') AS owner, locked, credited, refunded, created_at, updated_at`

// Status conditions mirror models.Transaction.Status.
var statusConditions = map[models.Status]string{
	models.StatusAvailable: "(locked = FALSE AND credited = FALSE AND refunded = FALSE)",
	models.StatusLocked:    "(locked = TRUE AND credited = FALSE)",
	models.StatusCredited:  "(credited = TRUE)",
	models.StatusRefunded:  "(refunded = TRUE)",
}

func (s *Store) LockAvailable(ctx context.Context, req repository.LockRequest) ([]models.Transaction, error) {
	var claimed []models.Transaction

	err := s.inTx(ctx, "lock", func(tx *sqlx.Tx) error {
		claimed = nil

		if err := s.dialect.lockUser(ctx, tx, req.User); err != nil {
			return err
		}

		current, err := countLocked(ctx, tx, req.User)
		if err != nil {
			return err
		}

		n := req.Limit - current
		if req.Count != nil && *req.Count < n {
			n = *req.Count
		}
		if n <= 0 {
			s.log.Debug("Lock capacity exhausted",
				logger.StringField("user", req.User),
				logger.IntField("locked", current))
			return nil
		}

		now := s.timestamp()
		query := tx.Rebind(`UPDATE transactions
			SET locked = TRUE, owner = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM transactions
				WHERE prison_id = ? AND ` + statusConditions[models.StatusAvailable] + `
				ORDER BY received_at, id
				LIMIT ?` + s.dialect.skipLocked() + `
			) AND locked = FALSE
			RETURNING ` + transactionColumns)

		if err := tx.SelectContext(ctx, &claimed, query, req.User, now, req.Prison, n); err != nil {
			return fmt.Errorf("claim transactions: %w", err)
		}

		sortByReceived(claimed)
		return s.insertLogs(ctx, tx, req.User, models.LogLocked, claimed, now)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) Unlock(ctx context.Context, user string, authorized models.PrisonSet, ids []uuid.UUID) ([]models.Transaction, error) {
	var unlocked []models.Transaction

	err := s.inTx(ctx, "unlock", func(tx *sqlx.Tx) error {
		unlocked = nil

		rows, err := s.selectForUpdate(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := checkBatch(user, authorized, ids, rows); err != nil {
			return err
		}

		var credited []uuid.UUID
		for i := range rows {
			changed, err := rows[i].Unlock()
			switch {
			case errors.Is(err, models.ErrCreditedUnlock):
				credited = append(credited, rows[i].ID)
			case err != nil:
				return err
			case changed:
				unlocked = append(unlocked, rows[i])
			}
		}
		if len(credited) > 0 {
			return &models.ConflictError{Msg: "Some transactions could not be unlocked", IDs: sortedIDs(credited)}
		}
		if len(unlocked) == 0 {
			return nil
		}

		now := s.timestamp()
		query, args, err := sqlx.In(`UPDATE transactions SET locked = FALSE, owner = NULL, updated_at = ?
			WHERE id IN (?)`, now, idStrings(transactionIDs(unlocked)))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("unlock transactions: %w", err)
		}
		for i := range unlocked {
			unlocked[i].UpdatedAt = now
		}
		return s.insertLogs(ctx, tx, user, models.LogUnlocked, unlocked, now)
	})
	if err != nil {
		return nil, err
	}
	return unlocked, nil
}

func (s *Store) SetCredited(ctx context.Context, req repository.CreditRequest) ([]models.Transaction, error) {
	var changed []models.Transaction

	err := s.inTx(ctx, "credit", func(tx *sqlx.Tx) error {
		changed = nil

		ids := make([]uuid.UUID, len(req.Items))
		uncrediting := false
		for i, item := range req.Items {
			ids[i] = item.ID
			uncrediting = uncrediting || !item.Credited
		}

		// Same order as LockAvailable: user lock first, then rows.
		if uncrediting {
			if err := s.dialect.lockUser(ctx, tx, req.User); err != nil {
				return err
			}
		}

		rows, err := s.selectForUpdate(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := checkBatch(req.User, req.Authorized, ids, rows); err != nil {
			return err
		}

		byID := make(map[uuid.UUID]*models.Transaction, len(rows))
		for i := range rows {
			byID[rows[i].ID] = &rows[i]
		}

		var notOwned, uncredited []uuid.UUID
		delta := 0
		for _, item := range req.Items {
			t := byID[item.ID]
			ok, err := t.SetCredited(req.User, item.Credited)
			switch {
			case errors.Is(err, models.ErrNotLockedByUser):
				notOwned = append(notOwned, item.ID)
			case err != nil:
				return err
			case ok:
				changed = append(changed, *t)
				if t.Credited {
					delta--
				} else {
					delta++
					uncredited = append(uncredited, t.ID)
				}
			}
		}
		if len(notOwned) > 0 {
			return &models.ConflictError{Msg: "Some transactions could not be credited", IDs: sortedIDs(notOwned)}
		}

		if delta > 0 {
			current, err := countLocked(ctx, tx, req.User)
			if err != nil {
				return err
			}
			if current+delta > req.Limit {
				s.log.Debug("Uncredit exceeds lock capacity",
					logger.StringField("user", req.User),
					logger.IntField("locked", current),
					logger.IntField("uncredited", len(uncredited)))
				return &models.ConflictError{
					Msg: fmt.Sprintf("Uncrediting would exceed the limit of %d locked transactions", req.Limit),
					IDs: sortedIDs(uncredited),
				}
			}
		}

		now := s.timestamp()
		query := tx.Rebind(`UPDATE transactions SET credited = ?, updated_at = ? WHERE id = ?`)
		for i := range changed {
			if _, err := tx.ExecContext(ctx, query, changed[i].Credited, now, changed[i].ID); err != nil {
				return fmt.Errorf("credit transaction %s: %w", changed[i].ID, err)
			}
			changed[i].UpdatedAt = now
			if err := s.insertLogs(ctx, tx, req.User, models.CreditAction(changed[i].Credited), changed[i:i+1], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Refund is a bank-admin action and is not prison scoped.
func (s *Store) Refund(ctx context.Context, user string, ids []uuid.UUID) ([]models.Transaction, error) {
	var refunded []models.Transaction

	err := s.inTx(ctx, "refund", func(tx *sqlx.Tx) error {
		refunded = nil

		rows, err := s.selectForUpdate(ctx, tx, ids)
		if err != nil {
			return err
		}
		if missing := missingIDs(ids, rows); len(missing) > 0 {
			return &models.ConflictError{Msg: "Some transactions could not be found", IDs: missing}
		}

		var rejected []uuid.UUID
		for i := range rows {
			if err := rows[i].Refund(); err != nil {
				rejected = append(rejected, rows[i].ID)
				continue
			}
			refunded = append(refunded, rows[i])
		}
		if len(rejected) > 0 {
			return &models.ConflictError{Msg: "Some transactions could not be refunded", IDs: sortedIDs(rejected)}
		}

		now := s.timestamp()
		query, args, err := sqlx.In(`UPDATE transactions SET refunded = TRUE, updated_at = ? WHERE id IN (?)`,
			now, idStrings(transactionIDs(refunded)))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("refund transactions: %w", err)
		}
		for i := range refunded {
			refunded[i].UpdatedAt = now
		}
		return s.insertLogs(ctx, tx, user, models.LogRefunded, refunded, now)
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

func (s *Store) Create(ctx context.Context, user string, txs []models.NewTransaction) ([]models.Transaction, error) {
	var created []models.Transaction

	err := s.inTx(ctx, "create", func(tx *sqlx.Tx) error {
		created = make([]models.Transaction, 0, len(txs))

		prisons := make([]models.PrisonID, len(txs))
		for i, n := range txs {
			prisons[i] = n.Prison
		}
		known, err := existingPrisons(ctx, tx, prisons)
		if err != nil {
			return err
		}
		if missing := known.Missing(prisons...); len(missing) > 0 {
			return models.NewValidationError("prison", fmt.Sprintf("unknown prison(s) %s", strings.Join(prisonStrings(missing), ", ")))
		}

		now := s.timestamp()
		for _, n := range txs {
			created = append(created, models.Transaction{
				ID:                  uuid.New(),
				Prison:              n.Prison,
				Amount:              n.Amount,
				PrisonerNumber:      n.PrisonerNumber,
				PrisonerName:        n.PrisonerName,
				PrisonerDOB:         n.PrisonerDOB,
				SenderName:          n.SenderName,
				SenderSortCode:      n.SenderSortCode,
				SenderAccountNumber: n.SenderAccountNumber,
				Reference:           n.Reference,
				ReceivedAt:          n.ReceivedAt.UTC().Truncate(time.Microsecond),
				CreatedAt:           now,
				UpdatedAt:           now,
			})
		}

		_, err = tx.NamedExecContext(ctx, `INSERT INTO transactions
			(id, prison_id, amount, prisoner_number, prisoner_name, prisoner_dob, sender_name,
			 sender_sort_code, sender_account_number, reference, received_at, locked, credited,
			 refunded, created_at, updated_at)
			VALUES (:id, :prison_id, :amount, :prisoner_number, :prisoner_name, :prisoner_dob, :sender_name,
			 :sender_sort_code, :sender_account_number, :reference, :received_at, :locked, :credited,
			 :refunded, :created_at, :updated_at)`, created)
		if err != nil {
			return fmt.Errorf("insert transactions: %w", err)
		}
		return s.insertLogs(ctx, tx, user, models.LogCreated, created, now)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) List(ctx context.Context, q models.TransactionQuery) (models.Page, error) {
	page := models.Page{Transactions: []models.Transaction{}}
	if len(q.Prisons) == 0 {
		return page, nil
	}

	where, args := listConditions(q)

	countQuery, countArgs, err := sqlx.In(`SELECT COUNT(*) FROM transactions WHERE `+where, args...)
	if err != nil {
		return page, err
	}
	if err := s.db.GetContext(ctx, &page.Count, s.db.Rebind(countQuery), countArgs...); err != nil {
		return page, fmt.Errorf("count transactions: %w", err)
	}
	if page.Count == 0 {
		return page, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	pageArgs := append(args, limit, q.Offset)
	listQuery, listArgs, err := sqlx.In(`SELECT `+transactionColumns+` FROM transactions WHERE `+where+`
		ORDER BY received_at, id LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return page, err
	}
	if err := s.db.SelectContext(ctx, &page.Transactions, s.db.Rebind(listQuery), listArgs...); err != nil {
		return page, fmt.Errorf("list transactions: %w", err)
	}
	return page, nil
}

func (s *Store) CountLocked(ctx context.Context, user string) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM transactions WHERE owner = ? AND ` + statusConditions[models.StatusLocked])
	if err := s.db.GetContext(ctx, &n, query, user); err != nil {
		return 0, fmt.Errorf("count locked: %w", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	query := s.db.Rebind(`SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &t, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

func (s *Store) Logs(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries := []models.LogEntry{}
	query := s.db.Rebind(`SELECT id, transaction_id, username, action, created_at
		FROM transaction_logs WHERE transaction_id = ? ORDER BY created_at, id`)
	if err := s.db.SelectContext(ctx, &entries, query, id.String()); err != nil {
		return nil, fmt.Errorf("transaction logs: %w", err)
	}
	return entries, nil
}

// selectForUpdate loads the rows for ids in id order, locking them.
func (s *Store) selectForUpdate(ctx context.Context, tx *sqlx.Tx, ids []uuid.UUID) ([]models.Transaction, error) {
	query, args, err := sqlx.In(`SELECT `+transactionColumns+` FROM transactions WHERE id IN (?) ORDER BY id`+
		s.dialect.forUpdate(), idStrings(ids))
	if err != nil {
		return nil, err
	}
	var rows []models.Transaction
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select transactions for update: %w", err)
	}
	return rows, nil
}

func (s *Store) insertLogs(ctx context.Context, tx *sqlx.Tx, user string, action models.LogAction, txs []models.Transaction, at time.Time) error {
	if len(txs) == 0 {
		return nil
	}
	entries := make([]models.LogEntry, len(txs))
	for i, t := range txs {
		entries[i] = models.LogEntry{
			ID:            s.newID(),
			TransactionID: t.ID,
			Username:      user,
			Action:        action,
			CreatedAt:     at,
		}
	}
	_, err := tx.NamedExecContext(ctx, `INSERT INTO transaction_logs (id, transaction_id, username, action, created_at)
		VALUES (:id, :transaction_id, :username, :action, :created_at)`, entries)
	if err != nil {
		return fmt.Errorf("insert %s logs: %w", action, err)
	}
	return nil
}

func countLocked(ctx context.Context, tx *sqlx.Tx, user string) (int, error) {
	var n int
	query := tx.Rebind(`SELECT COUNT(*) FROM transactions WHERE owner = ? AND ` + statusConditions[models.StatusLocked])
	if err := tx.GetContext(ctx, &n, query, user); err != nil {
		return 0, fmt.Errorf("count locked: %w", err)
	}
	return n, nil
}

func existingPrisons(ctx context.Context, tx *sqlx.Tx, ids []models.PrisonID) (models.PrisonSet, error) {
	query, args, err := sqlx.In(`SELECT id FROM prisons WHERE id IN (?)`, prisonStrings(ids))
	if err != nil {
		return nil, err
	}
	var found []models.PrisonID
	if err := tx.SelectContext(ctx, &found, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lookup prisons: %w", err)
	}
	return models.NewPrisonSet(found...), nil
}

// checkBatch rejects a batch with unknown ids or ids in prisons the user
// does not manage.
func checkBatch(user string, authorized models.PrisonSet, ids []uuid.UUID, rows []models.Transaction) error {
	if missing := missingIDs(ids, rows); len(missing) > 0 {
		return &models.ConflictError{Msg: "Some transactions could not be found", IDs: missing}
	}
	prisons := make([]models.PrisonID, len(rows))
	for i, t := range rows {
		prisons[i] = t.Prison
	}
	if denied := authorized.Missing(prisons...); len(denied) > 0 {
		return &models.AuthorizationError{User: user, Prisons: denied}
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func listConditions(q models.TransactionQuery) (string, []interface{}) {
	clauses := []string{"prison_id IN (?)"}
	args := []interface{}{prisonStrings(q.Prisons)}

	if len(q.Statuses) > 0 {
		parts := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			parts = append(parts, statusConditions[st])
		}
		clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
	}
	if q.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.ReceivedFrom != nil {
		clauses = append(clauses, "received_at >= ?")
		args = append(args, q.ReceivedFrom.UTC())
	}
	if q.ReceivedTo != nil {
		clauses = append(clauses, "received_at < ?")
		args = append(args, q.ReceivedTo.UTC())
	}
	if q.Search != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(q.Search)) + "%"
		clauses = append(clauses, `(LOWER(prisoner_number) LIKE ? ESCAPE '\' OR LOWER(prisoner_name) LIKE ? ESCAPE '\'
			OR LOWER(sender_name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	return strings.Join(clauses, " AND "), args
}

func missingIDs(ids []uuid.UUID, rows []models.Transaction) []uuid.UUID {
	found := make(map[uuid.UUID]bool, len(rows))
	for _, t := range rows {
		found[t.ID] = true
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if !found[id] {
			found[id] = true
			missing = append(missing, id)
		}
	}
	return sortedIDs(missing)
}

func transactionIDs(txs []models.Transaction) []uuid.UUID {
	ids := make([]uuid.UUID, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return ids
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sortByReceived(txs []models.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].ReceivedAt.Equal(txs[j].ReceivedAt) {
			return txs[i].ReceivedAt.Before(txs[j].ReceivedAt)
		}
		return txs[i].ID.String() < txs[j].ID.String()
	})
}
