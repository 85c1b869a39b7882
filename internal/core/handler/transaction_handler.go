package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
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

const maxBodyBytes = 1 << 20

// TransactionHandler serves the clerk-facing cashbook API.
type TransactionHandler struct {
	usecase usecase.TransactionUsecase
	log     logger.Logger
}

type transactionResponse struct {
	models.Transaction
	Status       models.Status `json:"status"`
	AmountPounds string        `json:"amount_pounds"`
}

type pageResponse struct {
	Count   int                   `json:"count"`
	Results []transactionResponse `json:"results"`
}

type lockRequest struct {
	Prison models.PrisonID `json:"prison"`
	Count  *int            `json:"count"`
}

type unlockRequest struct {
	TransactionIDs []uuid.UUID `json:"transaction_ids"`
}

func NewTransactionHandler(uc usecase.TransactionUsecase, log logger.Logger) *TransactionHandler {
	return &TransactionHandler{usecase: uc, log: log}
}

// RegisterRoutes expects a router mounted at /transactions.
func (h *TransactionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/", h.CreditTransactions).Methods(http.MethodPatch)
	router.HandleFunc("/actions/lock/", h.LockTransactions).Methods(http.MethodPost)
	router.HandleFunc("/actions/unlock/", h.UnlockTransactions).Methods(http.MethodPost)
}

func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	filter, err := parseListFilter(r)
	if err != nil {
		handleError(w, h.log, "list", user, err)
		return
	}

	page, err := h.usecase.ListTransactions(r.Context(), user.Username, filter)
	if err != nil {
		handleError(w, h.log, "list", user, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newPageResponse(page.Count, page.Transactions))
}

func (h *TransactionHandler) LockTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var req lockRequest
	if err := decodeRequest(w, r, &req); err != nil {
		handleError(w, h.log, "lock", user, err)
		return
	}

	claimed, err := h.usecase.LockTransactions(r.Context(), user.Username, req.Prison, req.Count)
	if err != nil {
		handleError(w, h.log, "lock", user, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, newPageResponse(len(claimed), claimed))
}

func (h *TransactionHandler) UnlockTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var req unlockRequest
	if err := decodeRequest(w, r, &req); err != nil {
		handleError(w, h.log, "unlock", user, err)
		return
	}

	if err := h.usecase.UnlockTransactions(r.Context(), user.Username, req.TransactionIDs); err != nil {
		handleError(w, h.log, "unlock", user, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransactionHandler) CreditTransactions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	var items []models.CreditUpdate
	if err := decodeRequest(w, r, &items); err != nil {
		handleError(w, h.log, "credit", user, err)
		return
	}

	if err := h.usecase.SetCredited(r.Context(), user.Username, items); err != nil {
		handleError(w, h.log, "credit", user, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.NewValidationError("", fmt.Sprintf("invalid request payload: %v", err))
	}
	return nil
}

// parseListFilter reads status and prison as repeatable or comma separated
// parameters.
func parseListFilter(r *http.Request) (models.ListFilter, error) {
	q := r.URL.Query()
	var f models.ListFilter

	for _, raw := range splitValues(q["status"]) {
		s, err := models.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, s)
	}
	for _, raw := range splitValues(q["prison"]) {
		f.Prisons = append(f.Prisons, models.PrisonID(raw))
	}
	f.User = strings.TrimSpace(q.Get("user"))
	f.Search = strings.TrimSpace(q.Get("search"))

	var err error
	if f.ReceivedFrom, err = parseTimeParam(q.Get("received_at__gte"), "received_at__gte"); err != nil {
		return f, err
	}
	if f.ReceivedTo, err = parseTimeParam(q.Get("received_at__lt"), "received_at__lt"); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseTimeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, models.NewValidationError(name, fmt.Sprintf("invalid date %q", raw))
}

func parseIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewValidationError(name, fmt.Sprintf("invalid integer %q", raw))
	}
	return n, nil
}

func newPageResponse(count int, txs []models.Transaction) pageResponse {
	results := make([]transactionResponse, len(txs))
	for i, t := range txs {
		results[i] = transactionResponse{
			Transaction:  t,
			Status:       t.Status(),
			AmountPounds: decimal.New(t.Amount, -2).StringFixed(2),
		}
	}
	return pageResponse{Count: count, Results: results}
}

func handleError(w http.ResponseWriter, log logger.Logger, op string, user models.User, err error) {
	var conflict *models.ConflictError

	switch {
	case errors.Is(err, models.ErrValidation):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		middleware.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrStoreConflict):
		log.Warn("Store contention exhausted retries",
			logger.StringField("operation", op),
			logger.StringField("user", user.Username),
			logger.ErrorField("error", err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "The service is busy, please retry")
	case errors.As(err, &conflict):
		middleware.WriteError(w, http.StatusConflict, conflict.Msg, conflict.IDs...)
	case errors.Is(err, models.ErrConflict):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	default:
		log.Error("Failed to process request",
			logger.StringField("operation", op),
			logger.StringField("user", user.Username),
			logger.ErrorField("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to process request")
	}
}
