package middleware

import (
	"net/http"
	"strings"

	"quota-gate/internal/ratelimit"
)

// TrustedIdentity copies the user id set by an upstream auth proxy in header
// into the request context, where ratelimit.IdentityKey finds it. With trust
// off the header is ignored.
func TrustedIdentity(header string, trust bool) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-User-ID"
	}

	return func(next http.Handler) http.Handler {
		if !trust {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
				r = r.WithContext(ratelimit.WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}
