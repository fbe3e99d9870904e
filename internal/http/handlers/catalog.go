package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"keypanel/backend/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type publicService struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Platform         string          `json:"platform"`
	Type             string          `json:"type"`
	Category         string          `json:"category"`
	PricePerThousand decimal.Decimal `json:"pricePerThousand"`
	MinQuantity      int             `json:"minQuantity"`
	MaxQuantity      int             `json:"maxQuantity"`
}

type listResponse struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// ListServices lists orderable services with their effective price.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	limit, offset := parsePage(r)
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	services, total, err := h.registry.ListServices(ctx, models.ServiceFilter{
		Platform:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("platform"))),
		ActiveOnly: true,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeFault(w, logger, "list_services", err)
		return
	}
	items := make([]publicService, 0, len(services))
	for _, svc := range services {
		items = append(items, publicService{
			ID:               svc.ID,
			Name:             svc.Name,
			Platform:         svc.Platform,
			Type:             svc.Type,
			Category:         svc.Category(),
			PricePerThousand: svc.EffectivePrice(),
			MinQuantity:      svc.MinQuantity,
			MaxQuantity:      svc.MaxQuantity,
		})
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) ListAdminServices(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	limit, offset := parsePage(r)
	query := r.URL.Query()
	filter := models.ServiceFilter{
		Platform:   strings.ToLower(strings.TrimSpace(query.Get("platform"))),
		ActiveOnly: query.Get("active") == "true",
		Limit:      limit,
		Offset:     offset,
	}
	if raw := query.Get("providerId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid providerId")
			return
		}
		filter.ProviderAccountID = id
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	services, total, err := h.registry.ListServices(ctx, filter)
	if err != nil {
		writeFault(w, logger, "list_admin_services", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: services, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	id, ok := parseInt64Param(w, r, "id", "invalid service id")
	if !ok {
		return
	}
	var patch models.ServicePatch
	if err := h.decodeJSON(r, &patch); err != nil {
		writeFault(w, logger, "update_service", err)
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	service, err := h.registry.UpdateService(ctx, id, patch)
	if err != nil {
		writeFault(w, logger, "update_service", err)
		return
	}
	logger.Info("action", "action", "update_service", "status", "updated", "service_id", id)
	writeJSON(w, http.StatusOK, service)
}

func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	accounts, err := h.registry.ListAccounts(ctx, r.URL.Query().Get("active") == "true")
	if err != nil {
		writeFault(w, logger, "list_providers", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: accounts, Total: len(accounts)})
}

func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	var in models.ProviderAccountInput
	if err := h.decodeJSON(r, &in); err != nil {
		writeFault(w, logger, "create_provider", err)
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	account, err := h.registry.CreateAccount(ctx, in)
	if err != nil {
		writeFault(w, logger, "create_provider", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	id, ok := parseInt64Param(w, r, "id", "invalid provider id")
	if !ok {
		return
	}
	var patch models.ProviderAccountPatch
	if err := h.decodeJSON(r, &patch); err != nil {
		writeFault(w, logger, "update_provider", err)
		return
	}
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	account, err := h.registry.UpdateAccount(ctx, id, patch)
	if err != nil {
		writeFault(w, logger, "update_provider", err)
		return
	}
	logger.Info("action", "action", "update_provider", "status", "updated", "account_id", id)
	writeJSON(w, http.StatusOK, account)
}

// RefreshProviderBalance refreshes one account's cached balance. A failed
// refresh leaves the cache as it was.
func (h *Handler) RefreshProviderBalance(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	id, ok := parseInt64Param(w, r, "id", "invalid provider id")
	if !ok {
		return
	}
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	if _, err := h.registry.RefreshBalance(ctx, id); err != nil {
		writeFault(w, logger, "refresh_balance", err)
		return
	}
	account, err := h.registry.GetAccount(ctx, id)
	if err != nil {
		writeFault(w, logger, "refresh_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// RefreshAllBalances runs the reconciler over every active account. Per
// account failures are part of the report, not a request failure.
func (h *Handler) RefreshAllBalances(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	reports, err := h.reconciler.RefreshAll(ctx)
	if err != nil {
		writeFault(w, logger, "refresh_balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func (h *Handler) RefreshProviderCatalog(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	id, ok := parseInt64Param(w, r, "id", "invalid provider id")
	if !ok {
		return
	}
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	result, err := h.registry.RefreshServiceCatalog(ctx, id)
	if err != nil {
		writeFault(w, logger, "refresh_catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) RefreshAllCatalogs(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerForRequest(r)
	ctx, cancel := h.withLongTimeout(r.Context())
	defer cancel()
	reports, err := h.registry.RefreshAllCatalogs(ctx)
	if err != nil {
		writeFault(w, logger, "refresh_catalogs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

func parseInt64Param(w http.ResponseWriter, r *http.Request, name, message string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, message)
		return 0, false
	}
	return id, true
}

// parsePage reads limit and offset, defaulting to 50 and capping at 200.
func parsePage(r *http.Request) (int, int) {
	limit, offset := 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 200 {
		limit = 200
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
