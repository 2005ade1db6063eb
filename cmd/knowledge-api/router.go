// Package main provides the knowledge platform API server.
package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/knowledge-platform/cmd/knowledge-api/handlers"
	"github.com/spherical-ai/knowledge-platform/cmd/knowledge-api/middleware"
	"github.com/spherical-ai/knowledge-platform/internal/app"
	"github.com/spherical-ai/knowledge-platform/internal/config"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// brokerPinger adapts the Redis client to the health check interface.
type brokerPinger struct {
	app *app.App
}

func (p brokerPinger) Ping(ctx context.Context) error {
	return p.app.Broker.Ping(ctx).Err()
}

// NewRouter creates the API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, a *app.App) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))

	healthHandler := handlers.NewHealthHandler(logger, a.Repo, brokerPinger{app: a})
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)

	ingestionHandler := handlers.NewIngestionHandler(logger, a.Service, a.Processor)
	retrievalHandler := handlers.NewRetrievalHandler(logger, a.Engine)
	chatHandler := handlers.NewChatHandler(logger, a.Chat)

	// Push deliveries authenticate at the broker, not per tenant.
	r.Post("/pubsub/push", ingestionHandler.Push)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(middleware.AuthConfig{Enabled: true}))

		r.Post("/ingest", ingestionHandler.Ingest)
		r.Post("/ask", retrievalHandler.Ask)
		r.Post("/chat", chatHandler.Chat)
	})

	return r
}
