package middleware

import (
	"net"
	"net/http"

	"keypanel/backend/internal/rate"
)

// RateLimitByIP rejects requests from a client address that exceeded
// limiter. chimw.RealIP must run first for proxied deployments.
func RateLimitByIP(limiter rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(r.Context(), clientIP(r)) {
				WriteRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteRateLimited writes the 429 body shared by every limiter.
func WriteRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeAuthError(w, http.StatusTooManyRequests, "too many requests")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
