package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/metrics"
	"github.com/Nzyazin/cashbook/internal/core/middleware"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/internal/core/repository/sqlstore"
	"github.com/Nzyazin/cashbook/internal/core/usecase"
	"github.com/Nzyazin/cashbook/pkg/jwtutil"
	"github.com/Nzyazin/cashbook/pkg/sqlitedb"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	tokens  *jwtutil.Manager
}

type listBody struct {
	Count   int `json:"count"`
	Results []struct {
		ID           uuid.UUID `json:"id"`
		Prison       string    `json:"prison"`
		Amount       int64     `json:"amount"`
		AmountPounds string    `json:"amount_pounds"`
		Owner        string    `json:"owner"`
		Status       string    `json:"status"`
	} `json:"results"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()

	db, err := sqlitedb.NewSQLiteDB(filepath.Join(t.TempDir(), "cashbook.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := sqlstore.New(db.DB, log)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	for _, p := range []models.PrisonID{"BXI", "LEI"} {
		require.NoError(t, store.SavePrison(ctx, models.Prison{ID: p}))
	}
	require.NoError(t, store.GrantPrisons(ctx, "clerk-a", "BXI"))
	require.NoError(t, store.GrantPrisons(ctx, "clerk-b", "BXI"))

	reg := prometheus.NewRegistry()
	uc := usecase.NewTransactionUsecase(store, store, log, usecase.WithMetrics(metrics.New(reg)))
	tokens := jwtutil.NewManager("test-secret", "cashbook-test")

	srv := NewServer(uc, Config{Verifier: tokens, Registry: reg}, log)
	return &testServer{handler: srv.Handler(), tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, user string, role models.Role, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := s.tokens.Issue(user, string(role), time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, body string) listBody {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/bank_admin/transactions/", "admin", models.RoleBankAdmin, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	require.NotEmpty(t, body.Errors)
	return body
}

func TestLockUnlockCreditFlow(t *testing.T) {
	s := newTestServer(t)

	created := s.create(t, `[
		{"prison": "BXI", "amount": "12.50", "prisoner_number": "A1409AE", "prisoner_name": "JAMES HALLS", "received_at": "2024-03-01T09:00:00Z"},
		{"prison": "BXI", "amount": 2000, "prisoner_number": "A1409AF", "received_at": "2024-03-01T10:00:00Z"}
	]`)
	require.Equal(t, 2, created.Count)
	assert.Equal(t, int64(1250), created.Results[0].Amount)
	assert.Equal(t, "12.50", created.Results[0].AmountPounds)
	assert.Equal(t, "available", created.Results[0].Status)

	rec := s.do(t, http.MethodPost, "/transactions/actions/lock/", "clerk-a", models.RoleCashbook, map[string]interface{}{"prison": "BXI", "count": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var locked listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locked))
	require.Equal(t, 1, locked.Count)
	assert.Equal(t, created.Results[0].ID, locked.Results[0].ID)
	assert.Equal(t, "clerk-a", locked.Results[0].Owner)

	// clerk-b may not credit clerk-a's lock
	credit := []map[string]interface{}{{"id": locked.Results[0].ID, "credited": true}}
	rec = s.do(t, http.MethodPatch, "/transactions/", "clerk-b", models.RoleCashbook, credit)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeErrors(t, rec)
	assert.Equal(t, []uuid.UUID{locked.Results[0].ID}, body.Errors[0].IDs)

	rec = s.do(t, http.MethodPatch, "/transactions/", "clerk-a", models.RoleCashbook, credit)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	unlock := map[string]interface{}{"transaction_ids": []uuid.UUID{locked.Results[0].ID}}
	rec = s.do(t, http.MethodPost, "/transactions/actions/unlock/", "clerk-b", models.RoleCashbook, unlock)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []uuid.UUID{locked.Results[0].ID}, decodeErrors(t, rec).Errors[0].IDs)

	rec = s.do(t, http.MethodGet, "/transactions/?status=credited&user=clerk-a", "clerk-b", models.RoleCashbook, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "credited", list.Results[0].Status)

	credit[0]["credited"] = false
	rec = s.do(t, http.MethodPatch, "/transactions/", "clerk-a", models.RoleCashbook, credit)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/transactions/actions/unlock/", "clerk-b", models.RoleCashbook, unlock)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/transactions/?status=available", "clerk-a", models.RoleCashbook, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = s.do(t, http.MethodGet, "/bank_admin/transactions/"+locked.Results[0].ID.String()+"/logs/", "admin", models.RoleBankAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Count   int `json:"count"`
		Results []struct {
			User   string `json:"user"`
			Action string `json:"action"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	actions := make([]string, len(logs.Results))
	for i, l := range logs.Results {
		actions[i] = l.Action
	}
	assert.Equal(t, []string{"created", "locked", "credited", "uncredited", "unlocked"}, actions)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `[{"prison": "LEI", "amount": 100, "received_at": "2024-03-01T09:00:00Z"}]`)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		role   models.Role
		body   interface{}
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/transactions/", want: http.StatusUnauthorized},
		{name: "wrong role", method: http.MethodGet, path: "/bank_admin/transactions/", user: "clerk-a", role: models.RoleCashbook, want: http.StatusForbidden},
		{name: "lock unmanaged prison", method: http.MethodPost, path: "/transactions/actions/lock/", user: "clerk-a", role: models.RoleCashbook, body: `{"prison": "LEI"}`, want: http.StatusForbidden},
		{name: "lock without prison", method: http.MethodPost, path: "/transactions/actions/lock/", user: "clerk-a", role: models.RoleCashbook, body: `{}`, want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/transactions/actions/lock/", user: "clerk-a", role: models.RoleCashbook, body: `{"prison":`, want: http.StatusBadRequest},
		{name: "empty unlock", method: http.MethodPost, path: "/transactions/actions/unlock/", user: "clerk-a", role: models.RoleCashbook, body: `{"transaction_ids": []}`, want: http.StatusBadRequest},
		{name: "unknown id", method: http.MethodPost, path: "/transactions/actions/unlock/", user: "clerk-a", role: models.RoleCashbook, body: `{"transaction_ids": ["` + uuid.NewString() + `"]}`, want: http.StatusConflict},
		{name: "bad status", method: http.MethodGet, path: "/transactions/?status=pending", user: "clerk-a", role: models.RoleCashbook, want: http.StatusBadRequest},
		{name: "bad date", method: http.MethodGet, path: "/transactions/?received_at__gte=yesterday", user: "clerk-a", role: models.RoleCashbook, want: http.StatusBadRequest},
		{name: "bad amount", method: http.MethodPost, path: "/bank_admin/transactions/", user: "admin", role: models.RoleBankAdmin, body: `[{"prison": "LEI", "amount": "12.345", "received_at": "2024-03-01T09:00:00Z"}]`, want: http.StatusBadRequest},
		{name: "logs bad id", method: http.MethodGet, path: "/bank_admin/transactions/nope/logs/", user: "admin", role: models.RoleBankAdmin, want: http.StatusBadRequest},
		{name: "logs unknown id", method: http.MethodGet, path: "/bank_admin/transactions/" + uuid.NewString() + "/logs/", user: "admin", role: models.RoleBankAdmin, want: http.StatusNotFound},
		{name: "refund reversal", method: http.MethodPatch, path: "/bank_admin/transactions/", user: "admin", role: models.RoleBankAdmin, body: `[{"id": "` + uuid.NewString() + `", "refunded": false}]`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.user, tt.role, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			decodeErrors(t, rec)
		})
	}
}

func TestListFiltersAndPagination(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `[
		{"prison": "BXI", "amount": 100, "prisoner_name": "JAMES HALLS", "received_at": "2024-03-01T09:00:00Z"},
		{"prison": "BXI", "amount": 200, "prisoner_name": "JILLY HALL", "received_at": "2024-03-02T09:00:00Z"},
		{"prison": "BXI", "amount": 300, "prisoner_name": "SAM SMITH", "received_at": "2024-03-03T09:00:00Z"},
		{"prison": "LEI", "amount": 400, "received_at": "2024-03-01T09:00:00Z"}
	]`)

	get := func(path, user string, role models.Role) listBody {
		rec := s.do(t, http.MethodGet, path, user, role, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out listBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	assert.Equal(t, 3, get("/transactions/", "clerk-a", models.RoleCashbook).Count)
	assert.Equal(t, 0, get("/transactions/?prison=LEI", "clerk-a", models.RoleCashbook).Count)
	assert.Equal(t, 2, get("/transactions/?search=hall", "clerk-a", models.RoleCashbook).Count)
	assert.Equal(t, 2, get("/transactions/?received_at__gte=2024-03-02", "clerk-a", models.RoleCashbook).Count)
	assert.Equal(t, 1, get("/transactions/?received_at__gte=2024-03-02&received_at__lt=2024-03-03", "clerk-a", models.RoleCashbook).Count)
	assert.Equal(t, 3, get("/transactions/?status=available&user=clerk-b", "clerk-a", models.RoleCashbook).Count)

	page := get("/transactions/?limit=2&offset=2", "clerk-a", models.RoleCashbook)
	assert.Equal(t, 3, page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, int64(300), page.Results[0].Amount)

	assert.Equal(t, 4, get("/bank_admin/transactions/", "admin", models.RoleBankAdmin).Count)
	assert.Equal(t, 1, get("/bank_admin/transactions/?prison=LEI", "admin", models.RoleBankAdmin).Count)
	assert.Equal(t, 4, get("/bank_admin/transactions/?status=available,locked", "admin", models.RoleBankAdmin).Count)
}

func TestRefund(t *testing.T) {
	s := newTestServer(t)
	created := s.create(t, `[{"prison": "BXI", "amount": 100, "received_at": "2024-03-01T09:00:00Z"}]`)

	rec := s.do(t, http.MethodPatch, "/bank_admin/transactions/", "admin", models.RoleBankAdmin,
		[]map[string]interface{}{{"id": created.Results[0].ID, "refunded": true}})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/transactions/actions/lock/", "clerk-a", models.RoleCashbook, `{"prison": "BXI"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var locked listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locked))
	assert.Zero(t, locked.Count)
	assert.NotNil(t, locked.Results)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodPost, "/transactions/actions/lock/", "clerk-a", models.RoleCashbook, `{"prison": "BXI"}`)

	rec = s.do(t, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")

	req := httptest.NewRequest(http.MethodOptions, "/transactions/", nil)
	req.Header.Set("Origin", "https://cashbook.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
