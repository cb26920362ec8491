package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/coupon-service/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса купонов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/coupons", func(r chi.Router) {
			r.Post("/", h.CreateCoupon)
			r.Get("/{code}", h.GetCoupon)
			r.Patch("/{code}/active", h.SetCouponActive)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.Identity)

				r.Post("/{code}/issue", h.IssueCoupon)
				r.Post("/{code}/validate", h.ValidateCoupon)
				r.Post("/{code}/use", h.UseCoupon)
			})
		})

		r.With(custommiddleware.Identity).Get("/user/coupons", h.GetUserCoupons)

		r.Get("/user-coupons/{id}", h.GetUserCoupon)
		r.Post("/user-coupons/{id}/cancel", h.CancelCouponUsage)
		r.Post("/orders/{orderID}/coupon/cancel", h.CancelOrderCoupon)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
