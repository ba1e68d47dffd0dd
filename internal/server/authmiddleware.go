package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/egress-gateway/internal/auth"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

type authContextKey struct{}

// AuthMiddleware validates bearer API keys and injects the caller's AuthContext.
// A nil provider disables authentication.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if provider == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			ac, err := provider.Authenticate(r.Context(), apiKey)
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API key")
				return
			}

			AddLogField(r.Context(), "client_id", ac.ClientID)
			ctx := context.WithValue(r.Context(), authContextKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthContext retrieves the authenticated caller from context.
// Returns nil if authentication is disabled.
func GetAuthContext(ctx context.Context) *ports.AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return ac
	}
	return nil
}
