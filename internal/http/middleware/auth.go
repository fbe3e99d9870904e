package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"keypanel/backend/internal/auth"
)

type contextKey string

const (
	adminLoginKey  contextKey = "admin_login"
	stepUpKey      contextKey = "step_up_scope"
	requestInfoKey contextKey = "request_info"
)

// StepUpHeader carries the short-lived capability token on protected routes.
const StepUpHeader = "X-Step-Up-Token"

func AdminLoginFromContext(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(adminLoginKey).(string)
	return val, ok && val != ""
}

func StepUpScopeFromContext(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(stepUpKey).(string)
	return val, ok && val != ""
}

// AdminAuth admits requests carrying a valid admin access token.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing Authorization")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeAuthError(w, http.StatusUnauthorized, "invalid Authorization")
				return
			}
			claims, err := auth.ParseAccessToken(secret, strings.TrimSpace(parts[1]))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.admin = claims.Login
			}
			ctx := context.WithValue(r.Context(), adminLoginKey, claims.Login)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireStepUp admits requests whose step-up token covers scope and was
// issued to the same admin as the access token.
func RequireStepUp(secret, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(StepUpHeader))
			if token == "" {
				writeAuthError(w, http.StatusForbidden, "step-up required")
				return
			}
			claims, err := auth.ParseStepUpToken(secret, token, scope)
			if err != nil {
				if errors.Is(err, auth.ErrWrongScope) {
					writeAuthError(w, http.StatusForbidden, "step-up scope mismatch")
					return
				}
				writeAuthError(w, http.StatusForbidden, "step-up token invalid or expired")
				return
			}
			if login, ok := AdminLoginFromContext(r.Context()); ok && login != claims.Login {
				writeAuthError(w, http.StatusForbidden, "step-up token belongs to another admin")
				return
			}
			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.stepUp = claims.Scope
			}
			ctx := context.WithValue(r.Context(), stepUpKey, claims.Scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
