package booking_api

import (
	"fmt"
	"net/http"
	"time"

	"milabs-booking/internal/auth"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the public, machine and patient-facing routes. limiter may be nil.
// Each of authenticated registers extra routes behind auth.Middleware.
func NewRouter(h *Handler, verifier auth.TokenVerifier, limiter *ratelimit.Limiter, authenticated ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Post("/api/payments/stripe/webhook", h.StripeWebhook)
	r.Post("/internal/reminders/sweep", h.RunReminderSweep)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, h.Logger))

		r.Route("/api/bookings", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)

			r.Route("/{orderId}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/verify", h.VerifyPayment)
				r.Post("/cancel", h.CancelOrder)

				if limiter != nil {
					r.With(ratelimit.Middleware(limiter, userKey)).Post("/payment", h.InitiatePayment)
				} else {
					r.Post("/payment", h.InitiatePayment)
				}
			})
		})

		r.Post("/api/vouchers/redeem", h.RedeemVoucher)
		r.Get("/api/labs/{labId}/bookings/stream", h.StreamLabBookings)

		for _, register := range authenticated {
			register(r)
		}
	})

	return r
}

// RequestLogger writes one LogAPI line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", status), time.Since(start).String())
		})
	}
}

func userKey(r *http.Request) string {
	return auth.UserID(r.Context())
}
