package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/claude-relay/internal/api/handlers"
	"github.com/pysugar/claude-relay/internal/api/middleware"
	"github.com/pysugar/claude-relay/internal/auth/deviceflow"
	"github.com/pysugar/claude-relay/internal/auth/token"
	"github.com/pysugar/claude-relay/internal/config"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/logging"
	"github.com/pysugar/claude-relay/internal/pool"
	"github.com/pysugar/claude-relay/internal/promptcache"
	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/relay/amazonq"
	"github.com/pysugar/claude-relay/internal/relay/claudeapi"
	"github.com/pysugar/claude-relay/internal/relay/gemini"
	"github.com/pysugar/claude-relay/internal/relay/openaiapi"
	"github.com/pysugar/claude-relay/internal/router"
	"github.com/pysugar/claude-relay/internal/tokencount"
	"github.com/pysugar/claude-relay/internal/usage"
	"github.com/pysugar/claude-relay/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.Init(cfg.SQLitePath, cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	store := db.NewAccountStore(database)
	recorder := pool.NewRecorder(database)
	accountPool := pool.New(store, recorder, cfg.LoadBalanceStrategy, pool.BreakerConfig{
		Enabled:         cfg.CircuitBreakerEnabled,
		ErrorThreshold:  cfg.CircuitBreakerThreshold,
		RecoveryTimeout: cfg.CircuitBreakerRecovery,
	})

	fileCache, err := token.NewFileCache(cfg.TokenCacheDir)
	if err != nil {
		log.Fatalf("Failed to prepare token cache dir: %v", err)
	}
	tokenManager := token.NewManager(store, fileCache)

	var cache *promptcache.Simulator
	if cfg.CacheSimulationEnabled {
		cache = promptcache.New(cfg.CacheTTL, cfg.MaxCacheEntries)
		log.Printf("🗄️ Prompt-cache simulation enabled (ttl=%s max=%d)", cfg.CacheTTL, cfg.MaxCacheEntries)
	}

	estimator := tokencount.NewBPE()
	tracker := usage.New(database, cfg.ZeroInputTokenModels)
	requestRouter := router.New(store, accountPool)

	adapters := map[string]relay.Adapter{
		"amazon_q":          amazonq.New(),
		"gemini":            gemini.New(),
		"custom_api:openai": openaiapi.New(),
		"custom_api:claude": claudeapi.New(),
	}
	orchestrator := relay.New(requestRouter, accountPool, store, tokenManager, cache, tracker, estimator, adapters, relay.Options{
		ThinkingAlwaysOn: cfg.ThinkingAlwaysOn(),
		UpstreamTimeout:  cfg.UpstreamTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoRefreshEnabled {
		tokenManager.StartRefreshLoop(ctx, cfg.TokenRefreshInterval)
	}
	recorder.StartRetentionLoop(ctx.Done())

	deviceClient := deviceflow.NewClient(token.OIDCBaseURL)
	authSessions := deviceflow.NewSessions()
	adminAuth := middleware.NewAdminAuth(cfg.AdminKey, database)

	validation := handlers.Validation{
		Disabled:       cfg.InputValidationOff,
		MaxInputTokens: cfg.MaxInputTokens,
	}

	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.HealthHandler(store))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Post("/messages", handlers.MessagesHandler(orchestrator, estimator, validation, ""))
		r.Post("/gemini/messages", handlers.GeminiMessagesHandler(orchestrator, estimator, validation))
		r.Post("/messages/count_tokens", handlers.CountTokensHandler(estimator))
		r.Get("/usage", handlers.UsageHandler(tracker))
	})

	r.Route("/v2", func(r chi.Router) {
		r.Use(adminAuth.Middleware)
		r.Get("/accounts", handlers.ListAccountsHandler(store))
		r.Post("/accounts", handlers.CreateAccountHandler(store))
		r.Patch("/accounts/{id}", handlers.PatchAccountHandler(store))
		r.Delete("/accounts/{id}", handlers.DeleteAccountHandler(store, tokenManager))
		r.Post("/accounts/{id}/refresh", handlers.RefreshAccountHandler(store, tokenManager))
		r.Get("/accounts/{id}/stats", handlers.AccountStatsHandler(store, recorder))

		r.Post("/auth/start", handlers.StartAuthHandler(deviceClient, authSessions))
		r.Post("/auth/claim/{authId}", handlers.ClaimAuthHandler(deviceClient, authSessions, store, ""))
		r.Get("/auth/status/{authId}", handlers.AuthStatusHandler(authSessions))

		r.Get("/cache/stats", handlers.CacheStatsHandler(cache))
		r.Post("/cache/prewarm", handlers.CachePrewarmHandler(cache))
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		log.Println("🛑 Shutting down")
		if cache != nil {
			cache.Shutdown()
		}
		accountPool.Shutdown()
		server.Shutdown(context.Background())
	}()

	log.Printf("🚀 claude-relay %s (%s) listening on :%s", version.Version, version.Commit, cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
