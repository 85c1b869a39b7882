package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is derived from the locked, credited and refunded flags and is
// never stored.
type Status string

const (
	StatusAvailable Status = "available"
	StatusLocked    Status = "locked"
	StatusCredited  Status = "credited"
	StatusRefunded  Status = "refunded"
)

var (
	ErrNotAvailable    = fmt.Errorf("%w: transaction is not available", ErrConflict)
	ErrCreditedUnlock  = fmt.Errorf("%w: credited transaction cannot be unlocked", ErrConflict)
	ErrNotLockedByUser = fmt.Errorf("%w: transaction is not locked by user", ErrConflict)
	ErrInvariantBroken = fmt.Errorf("%w: transaction flags are inconsistent", ErrConflict)
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusAvailable, StatusLocked, StatusCredited, StatusRefunded:
		return s, nil
	default:
		return "", NewValidationError("status", fmt.Sprintf("unknown status %q", raw))
	}
}

// OwnerBearing reports whether transactions in this status always have an owner.
func (s Status) OwnerBearing() bool {
	return s == StatusLocked || s == StatusCredited
}

type Transaction struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	Prison              PrisonID   `json:"prison" db:"prison_id"`
	Amount              int64      `json:"amount" db:"amount"`
	PrisonerNumber      string     `json:"prisoner_number" db:"prisoner_number"`
	PrisonerName        string     `json:"prisoner_name" db:"prisoner_name"`
	PrisonerDOB         *time.Time `json:"prisoner_dob,omitempty" db:"prisoner_dob"`
	SenderName          string     `json:"sender_name" db:"sender_name"`
	SenderSortCode      string     `json:"sender_sort_code" db:"sender_sort_code"`
	SenderAccountNumber string     `json:"sender_account_number" db:"sender_account_number"`
	Reference           string     `json:"reference" db:"reference"`
	ReceivedAt          time.Time  `json:"received_at" db:"received_at"`
	// Owner is empty when nobody holds the lock.
	Owner     string    `json:"owner,omitempty" db:"owner"`
	Locked    bool      `json:"locked" db:"locked"`
	Credited  bool      `json:"credited" db:"credited"`
	Refunded  bool      `json:"refunded" db:"refunded"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (t *Transaction) Status() Status {
	switch {
	case t.Credited:
		return StatusCredited
	case t.Refunded:
		return StatusRefunded
	case t.Locked:
		return StatusLocked
	default:
		return StatusAvailable
	}
}

// Lock claims an available transaction for user.
func (t *Transaction) Lock(user string) error {
	if t.Status() != StatusAvailable {
		return ErrNotAvailable
	}
	t.Locked = true
	t.Owner = user
	return nil
}

// Unlock releases the lock regardless of who holds it. It reports false for
// transactions that were already available.
func (t *Transaction) Unlock() (bool, error) {
	switch t.Status() {
	case StatusCredited:
		return false, ErrCreditedUnlock
	case StatusLocked:
		t.Locked = false
		t.Owner = ""
		return true, nil
	default:
		return false, nil
	}
}

// SetCredited credits or un-credits a transaction locked by user. The lock is
// kept either way.
func (t *Transaction) SetCredited(user string, credited bool) (bool, error) {
	if !t.Locked || t.Owner != user {
		return false, ErrNotLockedByUser
	}
	if t.Credited == credited {
		return false, nil
	}
	t.Credited = credited
	return true, nil
}

// Refund marks an available transaction as refunded; it can never be locked
// afterwards.
func (t *Transaction) Refund() error {
	if t.Status() != StatusAvailable {
		return ErrNotAvailable
	}
	t.Refunded = true
	return nil
}

func (t *Transaction) CheckInvariants() error {
	if t.Locked != (t.Owner != "") {
		return fmt.Errorf("%w: locked=%t owner=%q", ErrInvariantBroken, t.Locked, t.Owner)
	}
	if t.Credited && !t.Locked {
		return fmt.Errorf("%w: credited but not locked", ErrInvariantBroken)
	}
	if t.Refunded && (t.Locked || t.Credited) {
		return fmt.Errorf("%w: refunded but locked or credited", ErrInvariantBroken)
	}
	return nil
}

type CreditUpdate struct {
	ID       uuid.UUID `json:"id"`
	Credited bool      `json:"credited"`
}

// NewTransaction is the input for bank-admin ingest.
type NewTransaction struct {
	Prison              PrisonID
	Amount              int64
	PrisonerNumber      string
	PrisonerName        string
	PrisonerDOB         *time.Time
	SenderName          string
	SenderSortCode      string
	SenderAccountNumber string
	Reference           string
	ReceivedAt          time.Time
}

func (n NewTransaction) Validate() error {
	if n.Prison == "" {
		return NewValidationError("prison", "is required")
	}
	if n.Amount <= 0 {
		return NewValidationError("amount", "must be positive")
	}
	if n.ReceivedAt.IsZero() {
		return NewValidationError("received_at", "is required")
	}
	return nil
}
