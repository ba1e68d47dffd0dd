package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request's context, outbound fetches included.
// Handlers observe the deadline through ctx; a fetch that exceeds it fails with
// the gateway's own timeout classification rather than being cut off here.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
