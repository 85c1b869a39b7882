package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/pkg/jwtutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(t *testing.T, m *jwtutil.Manager, role models.Role) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-User", user.Username)
		w.WriteHeader(http.StatusNoContent)
	})
	return Authenticate(m, logger.NewNop())(RequireRole(role)(inner))
}

func TestAuthenticate(t *testing.T) {
	m := jwtutil.NewManager("secret", "cashbook")
	h := protected(t, m, models.RoleCashbook)

	clerk, err := m.Issue("clerk", string(models.RoleCashbook), time.Hour)
	require.NoError(t, err)
	admin, err := m.Issue("admin", string(models.RoleBankAdmin), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + admin, want: http.StatusForbidden},
		{name: "ok", header: "Bearer " + clerk, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/transactions/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "clerk", rec.Header().Get("X-User"))
				return
			}
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Len(t, body.Errors, 1)
			assert.NotEmpty(t, body.Errors[0].Msg)
		})
	}
}

func TestRecovery(t *testing.T) {
	h := Logging(logger.NewNop())(Recovery(logger.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"errors":[{"msg":"Internal Server Error"}]}`, rec.Body.String())
}
