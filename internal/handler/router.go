package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/forkchat/internal/middleware"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// RouterConfig carries what NewRouter needs besides the handlers.
type RouterConfig struct {
	JWTSecret string
	// WriteScope, when set, is required on every route that appends events.
	WriteScope        string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter mounts the public and authenticated routes.
func NewRouter(cfg RouterConfig, chats *ChatHandler, health *HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		write := func(h http.HandlerFunc) http.Handler {
			if cfg.WriteScope == "" {
				return h
			}
			return middleware.RequireScope(cfg.WriteScope)(h)
		}

		r.Route("/chats", func(r chi.Router) {
			r.Method(http.MethodPost, "/", write(chats.Create))
			r.Get("/", chats.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", chats.Get)
				r.Method(http.MethodPut, "/", write(chats.Rename))
				r.Method(http.MethodDelete, "/", write(chats.Delete))

				r.Get("/transcript", chats.Transcript)
				r.Method(http.MethodPost, "/messages", write(chats.Send))
				r.Get("/messages/{mid}", chats.MessageInfo)
				r.Post("/estimate", chats.Estimate)

				r.Method(http.MethodPost, "/branches", write(chats.Fork))
				r.Method(http.MethodPut, "/branch", write(chats.SwitchBranch))

				r.Get("/stream", chats.Stream)
			})
		})
	})

	return r
}
