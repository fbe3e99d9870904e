package handlers

import (
	"net/http"

	"keypanel/backend/internal/auth"
	"keypanel/backend/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router mounts every API route on a chi mux.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(h.metrics.Middleware)
	r.Use(chimw.Timeout(h.reqTimeout))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Get("/services", h.ListServices)
	r.Get("/orders/{id}", h.TrackOrder)
	r.Post("/auth/admin", h.AuthAdmin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(h.ipLimiter))
		r.Post("/orders", h.PlaceOrder)
		r.Post("/keys/check", h.CheckKey)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(h.jwtSecret))
		r.Post("/step-up", h.StepUp)

		r.Get("/keys", h.ListKeys)
		r.Post("/keys", h.IssueKeys)

		r.Get("/providers", h.ListProviders)
		r.Post("/providers", h.CreateProvider)
		r.Post("/providers/balances/refresh", h.RefreshAllBalances)
		r.Post("/providers/catalogs/refresh", h.RefreshAllCatalogs)
		r.Patch("/providers/{id}", h.UpdateProvider)
		r.Post("/providers/{id}/balance", h.RefreshProviderBalance)
		r.Post("/providers/{id}/services/refresh", h.RefreshProviderCatalog)

		r.Get("/services", h.ListAdminServices)
		r.Patch("/services/{id}", h.UpdateService)

		r.Get("/orders", h.ListAdminOrders)
		r.Post("/orders/sweep", h.SweepOrders)
		r.Get("/orders/{id}", h.GetAdminOrder)
		r.Post("/orders/{id}/refresh", h.RefreshOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.With(middleware.RequireStepUp(h.jwtSecret, auth.ScopeOrderResend)).Post("/orders/{id}/resend", h.ResendOrder)

		r.Get("/stats", h.AdminStats)
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,"+middleware.StepUpHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
