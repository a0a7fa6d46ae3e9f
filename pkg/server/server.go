// Package server provides the public entry point for initializing the
// agent gateway: it loads configuration, connects the durable and cache
// tiers, wires every internal component, and returns a ready http.Handler.
//
// This package lives in pkg/ (not internal/) so that a downstream
// distribution can import it and compose the gateway with its own
// overrides — swap the AuthChain, add a Driver, or wrap the Handler in
// extra middleware — without forking the wiring itself.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/api"
	"github.com/agentgw/agentgw/internal/api/handlers"
	"github.com/agentgw/agentgw/internal/audit"
	aoauth "github.com/agentgw/agentgw/internal/auth"
	"github.com/agentgw/agentgw/internal/config"
	"github.com/agentgw/agentgw/internal/mcpconfig"
	"github.com/agentgw/agentgw/internal/mcpinject"
	"github.com/agentgw/agentgw/internal/mcpstore"
	"github.com/agentgw/agentgw/internal/mcpvalidate"
	"github.com/agentgw/agentgw/internal/sessionstore"
	"github.com/agentgw/agentgw/internal/telemetry"
	"github.com/agentgw/agentgw/internal/webhook"

	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized gateway and every component a caller might
// want to reach into after construction (register an extra Driver, add an
// auth provider, swap webhook budgets).
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Config is the loaded process configuration.
	Config *config.Config

	// Sessions is the session store (Redis cache + Postgres durable tier).
	Sessions sessionstore.Store

	// Checkpoints is the append-only checkpoint log.
	Checkpoints *sessionstore.CheckpointStore

	// Turns is the append-only per-session turn log.
	Turns *sessionstore.TurnStore

	// MCP is the MCP server-config store.
	MCP mcpstore.Store

	// Injector resolves file/tenant/request-tier MCP config precedence.
	Injector *mcpinject.Injector

	// Registry holds every registered agentrunner.Driver.
	// Exposed so a caller can Register() additional drivers before serving.
	Registry *agentrunner.Registry

	// Webhooks is the tool-event webhook dispatcher.
	Webhooks *webhook.Dispatcher

	// AuthChain is the pluggable authentication provider chain.
	// Registers API-key and service-account providers by default; a caller
	// can RegisterProvider() additional ones (OIDC, mTLS, ...) before serving.
	AuthChain *aoauth.ProviderChain

	pool     *pgxpool.Pool
	cache    *redis.Client
	shutdown func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	cacheOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	cache := redis.NewClient(cacheOpts)

	if err := sessionstore.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure session schema: %w", err)
	}
	if err := mcpstore.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure mcp schema: %w", err)
	}
	if err := audit.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	log.Info().Msg("session, mcp, and audit schemas ready")

	locker := sessionstore.NewLocker(cache, cfg.SessionLockTTL, cfg.SessionLockRetries, cfg.SessionLockBaseDelay)
	sessions := sessionstore.NewPGStore(pool, cache, cfg.SessionCacheTTL, locker)
	checkpoints := sessionstore.NewCheckpointStore(pool)
	turns := sessionstore.NewTurnStore(pool)

	mcpStore := mcpstore.NewPGStore(pool, cache, cfg.SessionCacheTTL)
	fileLoader := mcpconfig.New(cfg.MCPConfigPath)
	injector := mcpinject.New(fileLoader, mcpStore, mcpvalidate.Options{AllowPrivateNetworks: cfg.MCPAllowPrivateNetworks})

	registry := agentrunner.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		registry.Register(agentrunner.NewOpenAIDriver(openai.NewClient(cfg.OpenAIAPIKey)))
		log.Info().Msg("openai driver registered")
	} else {
		log.Warn().Msg("no OPENAI_API_KEY set: no agentrunner.Driver registered, queries will fail to resolve a driver")
	}

	webhooks := webhook.NewDispatcher(cfg.WebhookRegexBudget)

	authChain := aoauth.NewProviderChain()
	apiKeyProvider := aoauth.NewAPIKeyProvider(cfg.APIKeys)
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}
	svcAcctProvider := aoauth.NewServiceAccountProvider(cfg.ServiceAccountSecret)
	if svcAcctProvider.Enabled() {
		authChain.RegisterProvider(svcAcctProvider)
	}

	auditLog := audit.NewLog(pool)

	h := handlers.New(cfg, sessions, checkpoints, turns, mcpStore, injector, registry, webhooks, auditLog, defaultDriverKind(cfg))
	router := api.NewRouter(cfg, h, authChain)

	return &Server{
		Handler:     router,
		Port:        cfg.Port,
		Config:      cfg,
		Sessions:    sessions,
		Checkpoints: checkpoints,
		Turns:       turns,
		MCP:         mcpStore,
		Injector:    injector,
		Registry:    registry,
		Webhooks:    webhooks,
		AuthChain:   authChain,
		pool:        pool,
		cache:       cache,
		shutdown:    shutdown,
	}, nil
}

func defaultDriverKind(cfg *config.Config) string {
	if cfg.OpenAIAPIKey != "" {
		return "openai"
	}
	return ""
}

// Shutdown closes the durable/cache connections and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing cache client")
		}
	}
	if s.shutdown != nil {
		return s.shutdown(ctx)
	}
	return nil
}
