package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/middleware"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

var amountRegexp = regexp.MustCompile(`^\d{1,9}([.,]\d{1,2})?$`)

// BankAdminHandler serves the bank-admin API. It is not prison scoped.
type BankAdminHandler struct {
	usecase usecase.TransactionUsecase
	log     logger.Logger
}

// Amount decodes either an integer number of pence or a pound string such
// as "12.50".
type Amount int64

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		pence, err := parsePounds(s)
		if err != nil {
			return err
		}
		*a = Amount(pence)
		return nil
	}

	var pence int64
	if err := json.Unmarshal(data, &pence); err != nil {
		return fmt.Errorf("amount must be pence or a pound string: %w", err)
	}
	*a = Amount(pence)
	return nil
}

func parsePounds(raw string) (int64, error) {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""), ",", ".")
	cleaned = strings.TrimPrefix(cleaned, "£")
	if !amountRegexp.MatchString(cleaned) {
		return 0, fmt.Errorf("invalid amount format: %s", raw)
	}
	pounds, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("could not parse amount: %v", err)
	}
	return pounds.Shift(2).IntPart(), nil
}

type createTransactionRequest struct {
	Prison              models.PrisonID `json:"prison"`
	Amount              Amount          `json:"amount"`
	PrisonerNumber      string          `json:"prisoner_number"`
	PrisonerName        string          `json:"prisoner_name"`
	PrisonerDOB         string          `json:"prisoner_dob"`
	SenderName          string          `json:"sender_name"`
	SenderSortCode      string          `json:"sender_sort_code"`
	SenderAccountNumber string          `json:"sender_account_number"`
	Reference           string          `json:"reference"`
	ReceivedAt          time.Time       `json:"received_at"`
}

func (c createTransactionRequest) toModel() (models.NewTransaction, error) {
	n := models.NewTransaction{
		Prison:              c.Prison,
		Amount:              int64(c.Amount),
		PrisonerNumber:      c.PrisonerNumber,
		PrisonerName:        c.PrisonerName,
		SenderName:          c.SenderName,
		SenderSortCode:      c.SenderSortCode,
		SenderAccountNumber: c.SenderAccountNumber,
		Reference:           c.Reference,
		ReceivedAt:          c.ReceivedAt,
	}
	if c.PrisonerDOB != "" {
		dob, err := time.Parse("2006-01-02", c.PrisonerDOB)
		if err != nil {
			return n, models.NewValidationError("prisoner_dob", fmt.Sprintf("invalid date %q", c.PrisonerDOB))
		}
		n.PrisonerDOB = &dob
	}
	return n, nil
}

type refundRequest struct {
	ID       uuid.UUID `json:"id"`
	Refunded bool      `json:"refunded"`
}

type logsResponse struct {
	Count   int               `json:"count"`
	Results []models.LogEntry `json:"results"`
}

func NewBankAdminHandler(uc usecase.TransactionUsecase, log logger.Logger) *BankAdminHandler {
	return &BankAdminHandler{usecase: uc, log: log}
}

// RegisterRoutes expects a router mounted at /bank_admin.
func (h *BankAdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/transactions/", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions/", h.CreateTransactions).Methods(http.MethodPost)
	router.HandleFunc("/transactions/", h.RefundTransactions).Methods(http.MethodPatch)
	router.HandleFunc("/transactions/{id}/logs/", h.TransactionLogs).Methods(http.MethodGet)
}

func (h *BankAdminHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	filter, err := parseListFilter(r)
	if err != nil {
		handleError(w, h.log, "admin_list", user, err)
		return
	}

	page, err := h.usecase.ListAllTransactions(r.Context(), filter)
	if err != nil {
		handleError(w, h.log, "admin_list", user, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newPageResponse(page.Count, page.Transactions))
}

func (h *BankAdminHandler) CreateTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var req []createTransactionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		handleError(w, h.log, "create", user, err)
		return
	}

	in := make([]models.NewTransaction, len(req))
	for i, c := range req {
		n, err := c.toModel()
		if err != nil {
			handleError(w, h.log, "create", user, err)
			return
		}
		in[i] = n
	}

	created, err := h.usecase.CreateTransactions(r.Context(), user.Username, in)
	if err != nil {
		handleError(w, h.log, "create", user, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, newPageResponse(len(created), created))
}

func (h *BankAdminHandler) RefundTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var req []refundRequest
	if err := decodeRequest(w, r, &req); err != nil {
		handleError(w, h.log, "refund", user, err)
		return
	}

	ids := make([]uuid.UUID, len(req))
	for i, item := range req {
		if !item.Refunded {
			handleError(w, h.log, "refund", user, models.NewValidationError("refunded", "refunds cannot be reversed"))
			return
		}
		ids[i] = item.ID
	}

	if err := h.usecase.RefundTransactions(r.Context(), user.Username, ids); err != nil {
		handleError(w, h.log, "refund", user, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BankAdminHandler) TransactionLogs(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		handleError(w, h.log, "logs", user, models.NewValidationError("id", "invalid transaction id"))
		return
	}

	entries, err := h.usecase.TransactionLogs(r.Context(), id)
	if err != nil {
		handleError(w, h.log, "logs", user, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, logsResponse{Count: len(entries), Results: entries})
}
