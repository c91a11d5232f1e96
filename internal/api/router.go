package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/booking"
)

type RouterConfig struct {
	Catalog       *booking.Catalog
	Bookings      *booking.Service
	Lifecycle     *booking.Lifecycle
	Health        *HealthHandler
	Issuer        *TokenIssuer
	AdminEmail    string
	AdminPassword string
	Logger        *zap.Logger
	// MaxRequests caps per-IP request rate on the public API.
	MaxRequests int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	h := NewHandlers(cfg.Catalog, cfg.Bookings, cfg.Lifecycle, log)
	admin := NewAdminHandlers(h, cfg.Issuer, cfg.AdminEmail, cfg.AdminPassword)

	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 20
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(maxRequests, time.Second))

			r.Get("/slots", h.ListSlots)
			r.Post("/appointments", h.CreateBooking)
			r.Get("/appointments/{id}", h.GetAppointment)
			r.Post("/appointments/{id}/cancel", h.CancelBooking)
			r.Post("/appointments/{id}/reschedule", h.RescheduleBooking)
			r.Post("/screenings", h.CreateScreening)
		})

		r.Route("/admin", func(r chi.Router) {
			r.With(httprate.LimitByIP(maxRequests, time.Second)).Post("/login", admin.Login)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin(cfg.Issuer))

				r.Post("/slots/generate", admin.GenerateSlots)
				r.Get("/appointments", admin.ListAppointments)
				r.Patch("/appointments/{id}", admin.UpdateAppointmentStatus)
				r.Delete("/appointments/{id}", admin.CancelAppointment)
			})
		})
	})

	return r
}
