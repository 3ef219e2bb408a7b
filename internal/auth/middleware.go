package auth

import (
	"context"
	"net/http"

	"github.com/cloudmeetx/meetrelay/internal/config"
	"github.com/cloudmeetx/meetrelay/internal/httpserver"
)

type contextKey struct{}

// UserIDFromContext returns the authenticated user id stored by Require.
// Empty when auth is disabled or the mode carries no user identity.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}

// Require wraps an HTTP handler with credential verification. The resolved
// user id is stored in the request context.
func Require(mode config.AuthMode, v Verifier, next http.HandlerFunc) http.HandlerFunc {
	if mode == config.AuthModeNone {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := CredentialFromRequest(mode, r)
		if err != nil {
			httpserver.WriteJSONError(w, http.StatusUnauthorized, "missing or malformed credentials")
			return
		}
		userID, err := v.Verify(cred)
		if err != nil {
			httpserver.WriteJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, userID)))
	}
}
