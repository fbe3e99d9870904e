package handlers

import (
	"errors"
	"net/http"
	"time"

	"keypanel/backend/internal/auth"
)

type adminAuthRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scope     string    `json:"scope,omitempty"`
}

// AuthAdmin exchanges the admin login and password for an access token.
func (h *Handler) AuthAdmin(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var req adminAuthRequest
	if err := h.decodeJSON(r, &req); err != nil {
		logger.Warn("action", "action", "auth_admin", "status", "invalid_json")
		writeError(w, http.StatusBadRequest, "login and password required")
		return
	}
	if err := h.credentials.VerifyLogin(req.Login, req.Password); err != nil {
		if errors.Is(err, auth.ErrAdminDisabled) {
			logger.Warn("action", "action", "auth_admin", "status", "disabled")
			writeError(w, http.StatusUnauthorized, "admin login disabled")
			return
		}
		logger.Warn("action", "action", "auth_admin", "status", "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := auth.SignAccessToken(h.jwtSecret, h.credentials.Login)
	if err != nil {
		logger.Error("action", "action", "auth_admin", "status", "token_error", "error", err)
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	logger.Info("action", "action", "auth_admin", "status", "ok")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}

type stepUpRequest struct {
	Password string `json:"password" validate:"required"`
	Scope    string `json:"scope" validate:"omitempty,oneof=order:resend"`
}

// StepUp re-verifies the master password and issues a short-lived token
// for one protected action.
func (h *Handler) StepUp(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var req stepUpRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeFault(w, logger, "step_up", err)
		return
	}
	if req.Scope == "" {
		req.Scope = auth.ScopeOrderResend
	}
	if err := h.credentials.VerifyStepUp(req.Password); err != nil {
		logger.Warn("action", "action", "step_up", "status", "invalid_credentials", "scope", req.Scope)
		writeError(w, http.StatusForbidden, "invalid credentials")
		return
	}
	token, expires, err := auth.SignStepUpToken(h.jwtSecret, h.credentials.Login, req.Scope)
	if err != nil {
		logger.Error("action", "action", "step_up", "status", "token_error", "error", err)
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	logger.Info("action", "action", "step_up", "status", "ok", "scope", req.Scope)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires, Scope: req.Scope})
}
