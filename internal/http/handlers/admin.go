package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"keypanel/backend/internal/models"

	"github.com/google/uuid"
)

func (h *Handler) IssueKeys(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var params models.KeyIssueParams
	if err := h.decodeJSON(r, &params); err != nil {
		writeFault(w, logger, "issue_keys", err)
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	issued, err := h.keys.Issue(ctx, params)
	if err != nil {
		writeFault(w, logger, "issue_keys", err)
		return
	}
	logger.Info("action", "action", "issue_keys", "status", "issued", "count", len(issued), "category", params.Category)
	writeJSON(w, http.StatusCreated, listResponse{Items: issued, Total: len(issued)})
}

func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	limit, offset := parsePage(r)
	query := r.URL.Query()
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	items, total, err := h.keys.List(ctx, models.KeyFilter{
		Status:   strings.TrimSpace(query.Get("status")),
		Category: strings.ToLower(strings.TrimSpace(query.Get("category"))),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeFault(w, logger, "list_keys", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) ListAdminOrders(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	limit, offset := parsePage(r)
	query := r.URL.Query()
	filter := models.OrderFilter{
		QuotaState: strings.TrimSpace(query.Get("quotaState")),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				filter.Statuses = append(filter.Statuses, status)
			}
		}
	}
	for name, dst := range map[string]*int64{"keyId": &filter.KeyID, "serviceId": &filter.ServiceID} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = id
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	orders, total, err := h.engine.ListOrders(ctx, filter)
	if err != nil {
		writeFault(w, logger, "list_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: orders, Total: total, Limit: limit, Offset: offset})
}

// GetAdminOrder returns the full order with service, provider and masked key.
func (h *Handler) GetAdminOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	detail, err := h.engine.SearchByOrderID(ctx, orderID)
	if err != nil {
		writeFault(w, logger, "get_order", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	order, err := h.engine.RefreshStatus(ctx, orderID)
	if err != nil {
		writeFaultWithOrder(w, logger, "refresh_order", err, orderOrNil(order))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ResendOrder places a fresh provider order for a finished one. The route
// requires a step-up token.
func (h *Handler) ResendOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	order, err := h.engine.Resend(ctx, orderID)
	if err != nil {
		writeFaultWithOrder(w, logger, "resend_order", err, orderOrNil(order))
		return
	}
	logger.Info("action", "action", "resend_order", "status", order.Status, "order_id", orderID, "new_order_id", order.ID)
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	order, err := h.engine.Cancel(ctx, orderID)
	if err != nil {
		writeFaultWithOrder(w, logger, "cancel_order", err, orderOrNil(order))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) SweepOrders(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	report, err := h.engine.SweepStale(ctx)
	if err != nil {
		writeFault(w, logger, "sweep_orders", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	stats, err := h.engine.Stats(ctx)
	if err != nil {
		writeFault(w, logger, "admin_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// orderOrNil keeps an empty order out of error bodies.
func orderOrNil(order models.Order) interface{} {
	if order.ID == uuid.Nil {
		return nil
	}
	return order
}
