package auth

import (
	"context"
	"net/http"

	"ms-reservations/internal/logger"
)

type contextKey string

const identityKey contextKey = "identity"

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func Middleware(v Verifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			id, err := v.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("INVALID_TOKEN", r.Method+" "+r.URL.Path+": "+err.Error())
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *id)))
		})
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				log.LogSecurity("FORBIDDEN", UserID(r.Context())+" lacks role "+role+" for "+r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id.Subject
	}
	return ""
}

func HasRole(ctx context.Context, role string) bool {
	id, ok := ctx.Value(identityKey).(Identity)
	return ok && id.HasRole(role)
}
