package handlers

import (
	"net/http"
	"strings"

	"github.com/camellia-shop/api/internal/platform/requestctx"
)

const (
	headerAccountID    = "X-Account-Id"
	headerSessionToken = "X-Session-Token"
)

// CallerMiddleware lifts the caller identity headers into the request context.
// The gateway in front of this service validates the account identity; guest
// storefront traffic carries only a session token.
func CallerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := requestctx.Caller{
				AccountID:    strings.TrimSpace(r.Header.Get(headerAccountID)),
				SessionToken: strings.TrimSpace(r.Header.Get(headerSessionToken)),
			}
			if !caller.IsZero() {
				r = r.WithContext(requestctx.WithCaller(r.Context(), caller))
			}
			next.ServeHTTP(w, r)
		})
	}
}
