package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/nasos1212/woofyapp-sub000/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса woofypos.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/ping", h.Ping)

	r.Route("/api/pos", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/offers", h.GetOffers)
		r.Post("/verify", h.Verify)
		r.Post("/confirm", h.Confirm)
		r.Post("/birthday/redeem", h.RedeemBirthday)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
