package repository

import (
	"context"

	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/google/uuid"
)

type PrisonRepository interface {
	PrisonsManagedBy(ctx context.Context, username string) (models.PrisonSet, error)
	AllPrisons(ctx context.Context) (models.PrisonSet, error)
}

// LockRequest asks for up to Count (or Limit minus the user's current locks
// when Count is nil) available transactions in Prison.
type LockRequest struct {
	User   string
	Prison models.PrisonID
	Count  *int
	Limit  int
}

// CreditRequest sets the credited flag on transactions User has locked.
// Un-crediting returns a transaction to User's lock count, which must stay
// within Limit.
type CreditRequest struct {
	User       string
	Authorized models.PrisonSet
	Items      []models.CreditUpdate
	Limit      int
}

// TransactionRepository mutations are each a single atomic store operation.
// Precondition checks run inside that operation against locked rows.
type TransactionRepository interface {
	LockAvailable(ctx context.Context, req LockRequest) ([]models.Transaction, error)
	Unlock(ctx context.Context, user string, authorized models.PrisonSet, ids []uuid.UUID) ([]models.Transaction, error)
	SetCredited(ctx context.Context, req CreditRequest) ([]models.Transaction, error)
	Refund(ctx context.Context, user string, ids []uuid.UUID) ([]models.Transaction, error)
	Create(ctx context.Context, user string, txs []models.NewTransaction) ([]models.Transaction, error)
	List(ctx context.Context, q models.TransactionQuery) (models.Page, error)
	CountLocked(ctx context.Context, user string) (int, error)
	Logs(ctx context.Context, id uuid.UUID) ([]models.LogEntry, error)
}
