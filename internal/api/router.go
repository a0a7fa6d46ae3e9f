// Package api assembles the HTTP surface: the native /api/v1/* namespace
// and the OpenAI-compatible /v1/* namespace, behind one shared middleware
// stack (chi + global middleware ordering: RequestID/RealIP/Recoverer/
// Compress, then CORS, then auth, then structured logging and tracing).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/api/handlers"
	"github.com/agentgw/agentgw/internal/api/middleware"
	"github.com/agentgw/agentgw/internal/config"
	"github.com/agentgw/agentgw/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the complete HTTP handler for the gateway.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if cfg.TrustProxyHeaders {
		// Only honor X-Forwarded-For when a trusted proxy fronts the gateway;
		// otherwise any client could spoof the address rate limits key on.
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	isWildcard := len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key", "X-Service-Token"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain, cfg.RequireAuth)
		r.Use(authMW.Handler)
	}

	if cfg.RateLimitRPS > 0 {
		r.Use(middleware.RateLimit(middleware.NewTokenBucketLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))
	}

	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", h.Query)
		r.Post("/query/stream", h.QueryStream)
		r.Get("/query/ws", h.QueryWS)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/", h.PatchSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/fork", h.ForkSession)
				r.Post("/resume", h.ResumeSession)
				r.Get("/checkpoints", h.ListCheckpoints)
				r.Get("/turns", h.ListTurns)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", h.CreateWebhook)
			r.Get("/", h.ListWebhooks)
			r.Delete("/{id}", h.DeleteWebhook)
		})

		r.Route("/mcp-servers", func(r chi.Router) {
			r.Post("/", h.PutMCPServer)
			r.Get("/", h.ListMCPServers)
			r.Post("/share", h.ShareCreate)
			r.Get("/share/{token}", h.ShareResolve)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetMCPServer)
				r.Put("/", h.PutMCPServer)
				r.Delete("/", h.DeleteMCPServer)
			})
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Get("/models", h.ListModels)
		r.Get("/models/{id}", h.GetModel)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":    cfg.Version,
			"started_at": startedAt.Format(time.RFC3339),
		})
	}
}

var startedAt = time.Now().UTC()
