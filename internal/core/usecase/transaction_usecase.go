package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nzyazin/cashbook/internal/core/events"
	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/metrics"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/repository"
	"github.com/google/uuid"
)

const DefaultLockLimit = 20

type TransactionUsecase interface {
	LockTransactions(ctx context.Context, user string, prison models.PrisonID, count *int) ([]models.Transaction, error)
	UnlockTransactions(ctx context.Context, user string, ids []uuid.UUID) error
	SetCredited(ctx context.Context, user string, items []models.CreditUpdate) error
	ListTransactions(ctx context.Context, user string, f models.ListFilter) (models.Page, error)

	ListAllTransactions(ctx context.Context, f models.ListFilter) (models.Page, error)
	CreateTransactions(ctx context.Context, user string, in []models.NewTransaction) ([]models.Transaction, error)
	RefundTransactions(ctx context.Context, user string, ids []uuid.UUID) error
	TransactionLogs(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error)
}

type transactionUsecase struct {
	repo      repository.TransactionRepository
	access    *PrisonAccess
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       logger.Logger
	lockLimit int
}

type Option func(*transactionUsecase)

func WithPublisher(p events.Publisher) Option {
	return func(uc *transactionUsecase) { uc.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *transactionUsecase) { uc.metrics = m }
}

func WithLockLimit(n int) Option {
	return func(uc *transactionUsecase) { uc.lockLimit = n }
}

func NewTransactionUsecase(repo repository.TransactionRepository, prisons repository.PrisonRepository, log logger.Logger, opts ...Option) TransactionUsecase {
	uc := &transactionUsecase{
		repo:      repo,
		access:    NewPrisonAccess(prisons),
		publisher: events.NopPublisher{},
		log:       log,
		lockLimit: DefaultLockLimit,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *transactionUsecase) LockTransactions(ctx context.Context, user string, prison models.PrisonID, count *int) ([]models.Transaction, error) {
	const op = "lock"

	if prison == "" {
		return nil, uc.reject(op, user, models.NewValidationError("prison", "is required"))
	}
	if count != nil && *count < 0 {
		return nil, uc.reject(op, user, models.NewValidationError("count", "must not be negative"))
	}
	if _, err := uc.access.Authorize(ctx, user, prison); err != nil {
		return nil, uc.reject(op, user, err)
	}

	claimed, err := uc.repo.LockAvailable(ctx, repository.LockRequest{
		User:   user,
		Prison: prison,
		Count:  count,
		Limit:  uc.lockLimit,
	})
	if err != nil {
		return nil, uc.reject(op, user, err)
	}

	uc.metrics.LockClaims(len(claimed))
	uc.log.Info("Locked transactions",
		logger.StringField("user", user),
		logger.StringField("prison", string(prison)),
		logger.IntField("count", len(claimed)))
	uc.publish(ctx, models.LogLocked, user, claimed)

	return claimed, nil
}

func (uc *transactionUsecase) UnlockTransactions(ctx context.Context, user string, ids []uuid.UUID) error {
	const op = "unlock"

	if len(ids) == 0 {
		return uc.reject(op, user, models.NewValidationError("transaction_ids", "must not be empty"))
	}

	authorized, err := uc.access.PrisonsManagedBy(ctx, user)
	if err != nil {
		return uc.reject(op, user, err)
	}

	unlocked, err := uc.repo.Unlock(ctx, user, authorized, dedupeIDs(ids))
	if err != nil {
		return uc.reject(op, user, err)
	}

	uc.log.Info("Unlocked transactions",
		logger.StringField("user", user),
		logger.IntField("requested", len(ids)),
		logger.IntField("unlocked", len(unlocked)))
	uc.publish(ctx, models.LogUnlocked, user, unlocked)

	return nil
}

func (uc *transactionUsecase) SetCredited(ctx context.Context, user string, items []models.CreditUpdate) error {
	const op = "credit"

	if len(items) == 0 {
		return uc.reject(op, user, models.NewValidationError("items", "must not be empty"))
	}
	seen := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		if item.ID == uuid.Nil {
			return uc.reject(op, user, models.NewValidationError("id", "is required"))
		}
		if seen[item.ID] {
			return uc.reject(op, user, models.NewValidationError("id", fmt.Sprintf("duplicate transaction %s", item.ID)))
		}
		seen[item.ID] = true
	}

	authorized, err := uc.access.PrisonsManagedBy(ctx, user)
	if err != nil {
		return uc.reject(op, user, err)
	}

	changed, err := uc.repo.SetCredited(ctx, repository.CreditRequest{
		User:       user,
		Authorized: authorized,
		Items:      items,
		Limit:      uc.lockLimit,
	})
	if err != nil {
		return uc.reject(op, user, err)
	}

	var credited, uncredited []models.Transaction
	for _, t := range changed {
		if t.Credited {
			credited = append(credited, t)
		} else {
			uncredited = append(uncredited, t)
		}
	}

	uc.log.Info("Updated credit state",
		logger.StringField("user", user),
		logger.IntField("credited", len(credited)),
		logger.IntField("uncredited", len(uncredited)))
	uc.publish(ctx, models.LogCredited, user, credited)
	uc.publish(ctx, models.LogUncredited, user, uncredited)

	return nil
}

func (uc *transactionUsecase) ListTransactions(ctx context.Context, user string, f models.ListFilter) (models.Page, error) {
	if err := validateFilter(f); err != nil {
		return models.Page{}, err
	}

	authorized, err := uc.access.PrisonsManagedBy(ctx, user)
	if err != nil {
		return models.Page{}, err
	}

	prisons := effectivePrisons(f.Prisons, authorized)
	if len(prisons) == 0 {
		return emptyPage(), nil
	}

	mode := ownerFilterFor(f)
	if mode == ownerApplied {
		owned, err := uc.access.PrisonsManagedBy(ctx, f.User)
		if err != nil {
			return models.Page{}, err
		}
		if len(prisons.Intersect(owned)) == 0 {
			uc.log.Debug("Filtered user manages none of the listed prisons",
				logger.StringField("user", user),
				logger.StringField("filter_user", f.User))
			return emptyPage(), nil
		}
	}

	return uc.repo.List(ctx, buildQuery(f, prisons, mode))
}

// ListAllTransactions is the bank-admin listing; it is not prison scoped.
func (uc *transactionUsecase) ListAllTransactions(ctx context.Context, f models.ListFilter) (models.Page, error) {
	if err := validateFilter(f); err != nil {
		return models.Page{}, err
	}

	all, err := uc.access.AllPrisons(ctx)
	if err != nil {
		return models.Page{}, err
	}

	prisons := effectivePrisons(f.Prisons, all)
	if len(prisons) == 0 {
		return emptyPage(), nil
	}
	return uc.repo.List(ctx, buildQuery(f, prisons, ownerFilterFor(f)))
}

func (uc *transactionUsecase) CreateTransactions(ctx context.Context, user string, in []models.NewTransaction) ([]models.Transaction, error) {
	const op = "create"

	if len(in) == 0 {
		return nil, uc.reject(op, user, models.NewValidationError("transactions", "must not be empty"))
	}
	for _, n := range in {
		if err := n.Validate(); err != nil {
			return nil, uc.reject(op, user, err)
		}
	}

	created, err := uc.repo.Create(ctx, user, in)
	if err != nil {
		return nil, uc.reject(op, user, err)
	}

	uc.log.Info("Created transactions",
		logger.StringField("user", user),
		logger.IntField("count", len(created)))
	uc.publish(ctx, models.LogCreated, user, created)

	return created, nil
}

func (uc *transactionUsecase) RefundTransactions(ctx context.Context, user string, ids []uuid.UUID) error {
	const op = "refund"

	if len(ids) == 0 {
		return uc.reject(op, user, models.NewValidationError("transaction_ids", "must not be empty"))
	}

	refunded, err := uc.repo.Refund(ctx, user, dedupeIDs(ids))
	if err != nil {
		return uc.reject(op, user, err)
	}

	uc.log.Info("Refunded transactions",
		logger.StringField("user", user),
		logger.IntField("count", len(refunded)))
	uc.publish(ctx, models.LogRefunded, user, refunded)

	return nil
}

func (uc *transactionUsecase) TransactionLogs(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error) {
	return uc.repo.Logs(ctx, id)
}

// reject logs and counts a failed operation and returns err unchanged.
func (uc *transactionUsecase) reject(op, user string, err error) error {
	reason := rejectionReason(err)
	uc.metrics.Rejected(op, reason)

	fields := []logger.Field{
		logger.StringField("operation", op),
		logger.StringField("user", user),
		logger.StringField("reason", reason),
		logger.ErrorField("error", err),
	}
	if reason == "internal" {
		uc.log.Error("Operation failed", fields...)
	} else {
		uc.log.Warn("Operation rejected", fields...)
	}
	return err
}

func (uc *transactionUsecase) publish(ctx context.Context, action models.LogAction, user string, txs []models.Transaction) {
	if len(txs) == 0 {
		return
	}
	uc.metrics.Transitions(string(action), len(txs))

	// already committed, so publish even if the request was cancelled
	if err := uc.publisher.Publish(context.WithoutCancel(ctx), events.New(action, user, txs)); err != nil {
		uc.log.Warn("Failed to publish event",
			logger.StringField("action", string(action)),
			logger.IntField("count", len(txs)),
			logger.ErrorField("error", err))
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, models.ErrStoreConflict):
		return "store_conflict"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func emptyPage() models.Page {
	return models.Page{Transactions: []models.Transaction{}}
}
