package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailsink/webhookd/internal/dispatch"
	"github.com/mailsink/webhookd/internal/engine"
	"github.com/mailsink/webhookd/internal/store"
	ws "github.com/mailsink/webhookd/internal/websocket"
)

// NewRouter creates and configures the HTTP router. backend names the
// configured store for the health endpoint.
func NewRouter(st store.Store, eng *engine.Engine, disp *dispatch.Dispatcher, hub *ws.Hub, backend string) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(corsMiddleware)

	webhookHandler := NewWebhookHandler(st, eng)
	eventHandler := NewEventHandler(disp)
	metricsHandler := NewMetricsHandler(st, eng, hub)

	// Live delivery feed
	if hub != nil {
		r.Get("/ws", hub.HandleWebSocket)
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(backend))
		r.Get("/metrics", metricsHandler.Metrics)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", webhookHandler.Create)
			r.Get("/", webhookHandler.List)
			r.Get("/{id}", webhookHandler.Get)
			r.Patch("/{id}", webhookHandler.Update)
			r.Delete("/{id}", webhookHandler.Delete)
			r.Post("/{id}/rotate", webhookHandler.Rotate)
			r.Post("/{id}/test", webhookHandler.Test)
		})

		r.Post("/events", eventHandler.Ingest)
	})

	return r
}

// corsMiddleware opens the API to browser clients during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
