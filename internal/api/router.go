// Package api exposes the HTTP surface: subscription management, credit
// purchases, the delivery audit log and operational metrics. Mutating
// requests are authenticated by Nostr event signatures rather than API
// keys; the signing pubkey is the caller's identity.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lacartera/hostr/internal/store"
	"github.com/lacartera/hostr/internal/ws"
)

// RouterDeps bundles everything the router needs.
type RouterDeps struct {
	Store       *store.PostgresStore
	Registry    Registry
	Notifier    Notifier
	Queue       QueueDepth
	Hub         *ws.Hub
	SecretKey   string
	Pubkey      string
	WriteRelays []string
	LNURLURL    string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(deps.Store, deps.Registry, deps.Notifier)
	creditsHandler := NewCreditsHandler(deps.SecretKey, deps.Pubkey, deps.WriteRelays, deps.LNURLURL)
	logHandler := NewEventLogHandler(deps.Store)
	metricsHandler := NewMetricsHandler(deps.Store, deps.Queue, deps.Hub)

	r.Get("/ws", deps.Hub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Put("/", subHandler.Update)
			r.Delete("/", subHandler.Delete)
		})

		r.Post("/credits/request", creditsHandler.Request)

		r.Get("/event-logs", logHandler.List)
		r.Get("/metrics", metricsHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
