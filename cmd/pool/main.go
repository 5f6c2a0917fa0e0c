package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/nanlv11/business-gemini-pool/internal/auth/signer"
	"github.com/nanlv11/business-gemini-pool/internal/auth/token"
	"github.com/nanlv11/business-gemini-pool/internal/config"
	"github.com/nanlv11/business-gemini-pool/internal/db"
	"github.com/nanlv11/business-gemini-pool/internal/images"
	"github.com/nanlv11/business-gemini-pool/internal/logging"
	"github.com/nanlv11/business-gemini-pool/internal/metrics"
	"github.com/nanlv11/business-gemini-pool/internal/pool"
	"github.com/nanlv11/business-gemini-pool/internal/proxy/handlers"
	"github.com/nanlv11/business-gemini-pool/internal/proxy/middleware"
	"github.com/nanlv11/business-gemini-pool/internal/registry"
	"github.com/nanlv11/business-gemini-pool/internal/rotation"
	"github.com/nanlv11/business-gemini-pool/internal/session"
	"github.com/nanlv11/business-gemini-pool/internal/store"
	"github.com/nanlv11/business-gemini-pool/internal/upstream"
)

func main() {
	configPath := os.Getenv("POOL_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfgm, err := config.NewManager(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfgm.Watch(); err != nil {
		log.Printf("⚠️ Config hot-reload disabled: %v", err)
	}
	defer cfgm.Close()
	cfg := cfgm.Get()

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	kv := store.New(database)
	reg := registry.New(database, kv)
	m := metrics.New("gemini_pool")

	upstreamClient := upstream.NewClient(upstream.Options{
		Timeout:            cfg.UpstreamTimeout,
		ProxyURL:           cfgm.ProxyURL,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	tokens := token.NewCache(kv, upstreamClient, cfg.TokenCacheTTL, m)
	scheduler := rotation.New(reg, kv, cfg.RotationMaxRetries, m)
	binder := session.New(kv, upstreamClient, session.DefaultBindingTTL)
	dispatcher := pool.New(reg, scheduler, tokens, binder, upstreamClient, kv, cfg.FailureThreshold, m)

	imgCache, err := images.New(cfg.ImageCacheDir, cfg.ImageCacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize image cache: %v", err)
	}

	startBackgroundJobs(cfg, dispatcher, imgCache, reg, m)

	startTime := time.Now()

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	// Public routes
	r.Get("/health", handlers.HealthHandler())
	r.Get("/image/*", imgCache.ServeHandler())
	r.Handle("/metrics", m.Handler())

	// Admin API (protected if admin_password is set)
	adminAuth := middleware.AdminAuth(cfg.AdminPassword)
	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)

		r.Get("/status", handlers.StatusHandler(database, reg, upstreamClient, cfgm, startTime))

		// Account management
		r.Get("/accounts", handlers.AccountsListHandler(reg))
		r.Post("/accounts", handlers.AccountCreateHandler(reg))
		r.Put("/accounts/{id}", handlers.AccountUpdateHandler(reg))
		r.Delete("/accounts/{id}", handlers.AccountDeleteHandler(reg))
		r.Post("/accounts/{id}/toggle", handlers.AccountToggleHandler(reg))
		r.Post("/accounts/{id}/test", handlers.AccountTestHandler(reg, upstreamClient))

		// Model catalog
		r.Get("/models", handlers.ModelsGetHandler(database))
		r.Put("/models", handlers.ModelsSaveHandler(database))

		// Proxy and API key management
		r.Get("/config/proxy", handlers.ProxyGetHandler(cfgm))
		r.Put("/config/proxy", handlers.ProxySetHandler(cfgm))
		r.Post("/config/proxy/test", handlers.ProxyTestHandler(upstreamClient))
		r.Get("/apikey", handlers.APIKeyGetHandler(database))
		r.Post("/apikey/regenerate", handlers.APIKeyRegenerateHandler(database))
	})

	// OpenAI-compatible API (API key required)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(database))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(database, dispatcher, upstreamClient, imgCache, cfgm))
		r.Get("/models", handlers.OpenAIModelsListHandler(database))
		r.Post("/files", handlers.FileUploadHandler(database, dispatcher))
		r.Get("/files", handlers.FileListHandler(database))
		r.Get("/files/{id}", handlers.FileGetHandler(database))
		r.Delete("/files/{id}", handlers.FileDeleteHandler(database))
	})

	// Start server
	host := os.Getenv("HOST")
	if host == "" {
		host = cfg.Host
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}
	addr := host + ":" + port

	log.Printf("🚀 Business Gemini Pool starting on http://%s", addr)
	log.Printf("🔌 OpenAI API: http://%s/v1", addr)
	log.Printf("📊 Admin API: http://%s/api", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// startBackgroundJobs runs the image cache sweeper, the credential prewarm
// loop and the available-accounts gauge refresh.
func startBackgroundJobs(cfg config.Config, dispatcher *pool.Dispatcher, imgCache *images.Cache, reg *registry.Registry, m *metrics.Metrics) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.CleanupSchedule, func() {
		imgCache.CleanupExpired()
	}); err != nil {
		log.Printf("⚠️ Invalid cleanup schedule %q: %v", cfg.CleanupSchedule, err)
	}

	if _, err := c.AddFunc(cfg.PrewarmSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		dispatcher.PrewarmCredentials(ctx, signer.TokenLifetime/2)

		if accounts, err := reg.ListAvailable(); err == nil {
			m.SetAvailableAccounts(len(accounts))
		}
	}); err != nil {
		log.Printf("⚠️ Invalid prewarm schedule %q: %v", cfg.PrewarmSchedule, err)
	}

	c.Start()
}
