package models

import (
	"time"

	"github.com/google/uuid"
)

type LogAction string

const (
	LogCreated    LogAction = "created"
	LogLocked     LogAction = "locked"
	LogUnlocked   LogAction = "unlocked"
	LogCredited   LogAction = "credited"
	LogUncredited LogAction = "uncredited"
	LogRefunded   LogAction = "refunded"
)

// LogEntry is one audit row, written in the same store transaction as the
// change it records.
type LogEntry struct {
	ID            string    `json:"id" db:"id"`
	TransactionID uuid.UUID `json:"transaction_id" db:"transaction_id"`
	Username      string    `json:"user" db:"username"`
	Action        LogAction `json:"action" db:"action"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

func CreditAction(credited bool) LogAction {
	if credited {
		return LogCredited
	}
	return LogUncredited
}
