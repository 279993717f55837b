package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/growthmart/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса growthmart.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
		}))
	}
	r.Use(custommiddleware.GzipMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/services", h.ListServices)
		r.Get("/services/{id}", h.GetService)

		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/entries", h.ListWalletEntries)

		r.Get("/orders", h.ListOrders)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Patch("/orders/{id}", h.EditOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin)

			r.Post("/services", h.CreateService)
			r.Put("/services/{id}", h.UpdateService)
			r.Delete("/services/{id}", h.DeleteService)

			r.Get("/orders", h.ListAllOrders)
			r.Post("/orders/{id}/status", h.ChangeOrderStatus)
			r.Delete("/orders/{id}", h.DeleteOrder)

			r.Post("/wallets/{userID}/fund", h.FundWallet)
			r.Get("/stats", h.Stats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
