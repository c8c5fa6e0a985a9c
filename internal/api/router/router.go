// Package router assembles the HTTP surface: webhooks, the operator API,
// health and metrics.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ruanmelo/zapagenda/internal/admin"
	"github.com/ruanmelo/zapagenda/internal/ingress"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger          *logging.Logger
	Ingress         *ingress.Handler
	Admin           *admin.Handlers
	AdminAuthSecret string
	MetricsHandler  http.Handler
	Ready           func() error
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Ingress != nil {
		r.Group(func(public chi.Router) {
			cfg.Ingress.Routes(public)
		})
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(protected chi.Router) {
			protected.Use(admin.Auth(cfg.AdminAuthSecret))
			cfg.Admin.Routes(protected)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
