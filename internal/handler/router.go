package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/campus-rewards/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса наград.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/redemptions", func(r chi.Router) {
			r.Post("/", h.CreateRedemption)
			r.Get("/", h.GetRedemptions)
			r.Post("/cancel", h.CancelRedemption)
			r.Get("/{id}", h.GetRedemption)
			r.Post("/{id}/token", h.IssueToken)
		})

		r.Route("/points", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/daily", h.AwardDaily)
		})

		r.With(custommiddleware.RequireStaff).Post("/verify", h.Verify)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
