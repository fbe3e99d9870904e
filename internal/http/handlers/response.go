package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"keypanel/backend/internal/fault"

	"github.com/go-playground/validator/v10"
)

// writeJSON writes j s o n.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes error.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type faultResponse struct {
	Kind      fault.Kind   `json:"kind"`
	Reason    fault.Reason `json:"reason,omitempty"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Order     interface{}  `json:"order,omitempty"`
}

// writeFault renders a core failure as {kind, reason, message}. Anything
// that is not a fault is logged and reported as an internal error so
// storage or provider details never reach the client.
func writeFault(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	writeFaultWithOrder(w, logger, action, err, nil)
}

func writeFaultWithOrder(w http.ResponseWriter, logger *slog.Logger, action string, err error, order interface{}) {
	fe, ok := fault.As(err)
	if !ok {
		logger.Error("action", "action", action, "status", "internal_error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := faultStatus(fe)
	if status >= http.StatusInternalServerError {
		logger.Warn("action", "action", action, "status", string(fe.Kind), "reason", string(fe.Reason), "error", err)
	} else {
		logger.Info("action", "action", action, "status", string(fe.Kind), "reason", string(fe.Reason))
	}
	writeJSON(w, status, faultResponse{
		Kind:      fe.Kind,
		Reason:    fe.Reason,
		Message:   fe.Message,
		Retryable: fault.Retryable(fe),
		Order:     order,
	})
}

func faultStatus(fe *fault.Error) int {
	switch fe.Kind {
	case fault.KindKeyInvalid:
		if fe.Reason == fault.ReasonExpired || fe.Reason == fault.ReasonExhausted {
			return http.StatusGone
		}
		return http.StatusForbidden
	case fault.KindServiceInvalid:
		return http.StatusUnprocessableEntity
	case fault.KindProviderInvalid:
		if fe.Reason == fault.ReasonNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case fault.KindProviderFailure:
		return http.StatusBadGateway
	case fault.KindQuotaExhausted:
		return http.StatusConflict
	case fault.KindOrderInvalid:
		if fe.Reason == fault.ReasonNotFound {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case fault.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the body into dst and runs struct validation.
func (h *Handler) decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.InvalidRequest(fault.ReasonNone, "invalid json")
	}
	if err := h.validator.Struct(dst); err != nil {
		return fault.InvalidRequest(fault.ReasonNone, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if field != "" {
			field = strings.ToLower(field[:1]) + field[1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
