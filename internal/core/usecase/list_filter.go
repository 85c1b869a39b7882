package usecase

import (
	"github.com/Nzyazin/cashbook/internal/core/models"
)

type statusShape int

const (
	noStatuses statusShape = iota
	// every requested status always has an owner (locked, credited)
	ownerBearingStatuses
	// at least one requested status can be ownerless
	mixedStatuses
)

type ownerFilter int

const (
	ownerIgnored ownerFilter = iota
	ownerApplied
)

// listFilterTable decides whether a user filter narrows the listing. A user
// filter is only meaningful when every matching transaction has an owner;
// otherwise it is ignored rather than hiding ownerless rows.
var listFilterTable = map[statusShape]ownerFilter{
	noStatuses:           ownerIgnored,
	ownerBearingStatuses: ownerApplied,
	mixedStatuses:        ownerIgnored,
}

func shapeOf(statuses []models.Status) statusShape {
	if len(statuses) == 0 {
		return noStatuses
	}
	for _, s := range statuses {
		if !s.OwnerBearing() {
			return mixedStatuses
		}
	}
	return ownerBearingStatuses
}

func ownerFilterFor(f models.ListFilter) ownerFilter {
	if f.User == "" {
		return ownerIgnored
	}
	return listFilterTable[shapeOf(f.Statuses)]
}

// effectivePrisons narrows the requested prisons to the authorized ones, or
// returns all authorized prisons when none were requested.
func effectivePrisons(requested []models.PrisonID, authorized models.PrisonSet) models.PrisonSet {
	if len(requested) == 0 {
		return authorized
	}
	return models.NewPrisonSet(requested...).Intersect(authorized)
}

func validateFilter(f models.ListFilter) error {
	if f.Offset < 0 {
		return models.NewValidationError("offset", "must not be negative")
	}
	if f.Limit < 0 {
		return models.NewValidationError("limit", "must not be negative")
	}
	for _, s := range f.Statuses {
		if _, err := models.ParseStatus(string(s)); err != nil {
			return err
		}
	}
	return nil
}

func buildQuery(f models.ListFilter, prisons models.PrisonSet, mode ownerFilter) models.TransactionQuery {
	limit := f.Limit
	switch {
	case limit == 0:
		limit = models.DefaultPageSize
	case limit > models.MaxPageSize:
		limit = models.MaxPageSize
	}

	q := models.TransactionQuery{
		Prisons:      prisons.Sorted(),
		Statuses:     dedupeStatuses(f.Statuses),
		ReceivedFrom: f.ReceivedFrom,
		ReceivedTo:   f.ReceivedTo,
		Search:       f.Search,
		Limit:        limit,
		Offset:       f.Offset,
	}
	if mode == ownerApplied {
		q.Owner = f.User
	}
	return q
}

func dedupeStatuses(statuses []models.Status) []models.Status {
	if len(statuses) == 0 {
		return nil
	}
	seen := make(map[models.Status]bool, len(statuses))
	out := make([]models.Status, 0, len(statuses))
	for _, s := range statuses {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
