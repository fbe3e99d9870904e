package handlers

import (
	"net/http"
	"strings"
	"time"

	"keypanel/backend/internal/engine"
	authmw "keypanel/backend/internal/http/middleware"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type placeOrderRequest struct {
	Key       string `json:"key" validate:"required,max=128"`
	ServiceID int64  `json:"serviceId" validate:"required,gt=0"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	TargetURL string `json:"targetUrl" validate:"required,max=2048"`
	// Queue records the order without contacting the provider. The worker
	// sweep dispatches it and an admin may cancel it until then.
	Queue bool `json:"queue"`
}

// publicOrder is what a key holder sees. Provider ids and raw provider
// replies stay admin only.
type publicOrder struct {
	ID          uuid.UUID              `json:"id"`
	Status      string                 `json:"status"`
	ServiceID   int64                  `json:"serviceId"`
	Quantity    int                    `json:"quantity"`
	TargetURL   string                 `json:"targetUrl"`
	Message     string                 `json:"message,omitempty"`
	Service     *models.ServiceSummary `json:"service,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

func toPublicOrder(order models.Order) publicOrder {
	return publicOrder{
		ID:          order.ID,
		Status:      order.Status,
		ServiceID:   order.ServiceID,
		Quantity:    order.Quantity,
		TargetURL:   order.TargetURL,
		Message:     order.Message,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		CompletedAt: order.CompletedAt,
	}
}

// PlaceOrder redeems a key for one order. A dispatch failure still returns
// the recorded order next to the fault. Queued orders answer 202.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var req placeOrderRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeFault(w, logger, "place_order", err)
		return
	}
	if h.keyLimiter != nil && !h.keyLimiter.Allow(r.Context(), keys.NormalizeValue(req.Key)) {
		logger.Warn("action", "action", "place_order", "status", "rate_limited", "key", keys.Mask(req.Key))
		authmw.WriteRateLimited(w)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	in := engine.PlaceOrderRequest{
		KeyValue:  req.Key,
		ServiceID: req.ServiceID,
		Quantity:  req.Quantity,
		TargetURL: strings.TrimSpace(req.TargetURL),
	}
	if req.Queue {
		order, err := h.engine.Submit(ctx, in)
		if err != nil {
			writeFault(w, logger, "submit_order", err)
			return
		}
		logger.Info("action", "action", "submit_order", "status", "queued", "order_id", order.ID)
		writeJSON(w, http.StatusAccepted, toPublicOrder(order))
		return
	}
	order, err := h.engine.PlaceOrder(ctx, in)
	if err != nil {
		if order.ID != uuid.Nil {
			writeFaultWithOrder(w, logger, "place_order", err, toPublicOrder(order))
			return
		}
		writeFault(w, logger, "place_order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPublicOrder(order))
}

// TrackOrder is the public status lookup by order id.
func (h *Handler) TrackOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	detail, err := h.engine.SearchByOrderID(ctx, orderID)
	if err != nil {
		writeFault(w, logger, "track_order", err)
		return
	}
	out := toPublicOrder(detail.Order)
	out.Service = detail.Service
	writeJSON(w, http.StatusOK, out)
}

type checkKeyRequest struct {
	Key       string `json:"key" validate:"required,max=128"`
	ServiceID int64  `json:"serviceId" validate:"omitempty,gt=0"`
}

type checkKeyResponse struct {
	Key       models.KeySummary `json:"key"`
	Remaining int               `json:"remaining"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
}

// CheckKey reports whether a key can place an order, optionally for a
// specific service.
func (h *Handler) CheckKey(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var req checkKeyRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeFault(w, logger, "check_key", err)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	var (
		key models.Key
		err error
	)
	if req.ServiceID > 0 {
		var category string
		category, err = h.registry.CategoryOf(ctx, req.ServiceID)
		if err == nil {
			key, err = h.keys.Validate(ctx, req.Key, category)
		}
	} else {
		key, err = h.keys.Lookup(ctx, req.Key)
		if err == nil {
			err = keys.CheckUsable(key, time.Now().UTC())
		}
	}
	if err != nil {
		writeFault(w, logger, "check_key", err)
		return
	}
	writeJSON(w, http.StatusOK, checkKeyResponse{
		Key:       keys.Summary(key),
		Remaining: key.Remaining(),
		ExpiresAt: key.ExpiresAt,
	})
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}
