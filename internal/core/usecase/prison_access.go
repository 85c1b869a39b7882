package usecase

import (
	"context"
	"fmt"

	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/repository"
)

// PrisonAccess answers which prisons a user manages. It reads the mapping on
// every call; nothing is cached between requests.
type PrisonAccess struct {
	repo repository.PrisonRepository
}

func NewPrisonAccess(repo repository.PrisonRepository) *PrisonAccess {
	return &PrisonAccess{repo: repo}
}

func (a *PrisonAccess) PrisonsManagedBy(ctx context.Context, user string) (models.PrisonSet, error) {
	prisons, err := a.repo.PrisonsManagedBy(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("resolve prisons: %w", err)
	}
	return prisons, nil
}

func (a *PrisonAccess) AllPrisons(ctx context.Context) (models.PrisonSet, error) {
	prisons, err := a.repo.AllPrisons(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve prisons: %w", err)
	}
	return prisons, nil
}

// Authorize returns the user's prisons, or an AuthorizationError naming
// every requested prison the user does not manage.
func (a *PrisonAccess) Authorize(ctx context.Context, user string, prisons ...models.PrisonID) (models.PrisonSet, error) {
	managed, err := a.PrisonsManagedBy(ctx, user)
	if err != nil {
		return nil, err
	}
	if denied := managed.Missing(prisons...); len(denied) > 0 {
		return nil, &models.AuthorizationError{User: user, Prisons: denied}
	}
	return managed, nil
}
