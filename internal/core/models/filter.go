package models

import "time"

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// ListFilter is the caller-supplied listing request. Zero values mean "not given".
type ListFilter struct {
	Statuses     []Status
	Prisons      []PrisonID
	User         string
	ReceivedFrom *time.Time
	ReceivedTo   *time.Time
	Search       string
	Limit        int
	Offset       int
}

// TransactionQuery is a fully resolved listing query handed to the store.
// Prisons is never empty.
type TransactionQuery struct {
	Prisons      []PrisonID
	Statuses     []Status
	Owner        string
	ReceivedFrom *time.Time
	ReceivedTo   *time.Time
	Search       string
	Limit        int
	Offset       int
}

type Page struct {
	Count        int           `json:"count"`
	Transactions []Transaction `json:"results"`
}
