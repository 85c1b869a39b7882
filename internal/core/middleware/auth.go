package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Nzyazin/cashbook/internal/core/logger"
	"github.com/Nzyazin/cashbook/internal/core/models"
	"github.com/Nzyazin/cashbook/pkg/jwtutil"
)

type userKey struct{}

type TokenVerifier interface {
	ParseAndValidate(token string) (*jwtutil.Claims, error)
}

func ContextWithUser(ctx context.Context, u models.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey{}).(models.User)
	return u, ok
}

// Authenticate requires a valid bearer token and puts the caller in the
// request context.
func Authenticate(v TokenVerifier, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				WriteError(w, http.StatusUnauthorized, "Authentication credentials were not provided")
				return
			}

			claims, err := v.ParseAndValidate(strings.TrimSpace(token))
			if err != nil {
				log.Warn("Rejected token",
					logger.StringField("path", r.URL.Path),
					logger.ErrorField("error", err))
				WriteError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			user := models.User{Username: claims.Subject, Role: models.Role(claims.Role)}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireRole lets only callers with role through. It must run after
// Authenticate.
func RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "Authentication credentials were not provided")
				return
			}
			if user.Role != role {
				WriteError(w, http.StatusForbidden, "You do not have permission to perform this action")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
