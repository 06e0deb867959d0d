package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the HTTP surface for session.
func NewRouter(session Session, logger *logrus.Logger) http.Handler {
	h := NewHandlers(session, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/queues", h.Queues)
		r.Get("/flow", h.Flow)
	})
	r.Post("/session/{action}", h.Control)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
