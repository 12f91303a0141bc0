package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/api/handlers"
	mw "github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/cache"
	"github.com/mnemos-io/mnemos/internal/clock"
	"github.com/mnemos-io/mnemos/internal/config"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/embedding"
	"github.com/mnemos-io/mnemos/internal/llm"
	"github.com/mnemos-io/mnemos/internal/service"
	"github.com/mnemos-io/mnemos/internal/store"
	"github.com/mnemos-io/mnemos/internal/syncpeer"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router        *chi.Mux
	Memory        *service.MemoryService
	Consolidation *service.ConsolidationService
	Reflection    *service.ReflectionService
	Reconciler    *service.Reconciler
	Sync          *service.SyncService
	Engine        *service.RetrievalEngine

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewApp wires stores, providers, services and handlers into a running
// application. A nil pool selects the in-memory backend, which is meant for
// development and tests.
func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	// Stores
	var (
		memoryStore   domain.MemoryStore
		vectorStore   domain.VectorStore
		tenantStore   domain.TenantStore
		banditStore   domain.BanditStore
		feedbackStore domain.FeedbackStore
	)
	if db != nil {
		memoryStore = store.NewMemoryStore(db)
		vectorStore = store.NewVectorStore(db)
		tenantStore = store.NewTenantStore(db)
		banditStore = store.NewBanditStore(db)
		feedbackStore = store.NewFeedbackStore(db)
	} else {
		logger.Warn("no database configured, using in-memory stores")
		memoryStore = store.NewInMemoryStore()
		vectorStore = store.NewInMemoryVectorStore()
		tenantStore = store.NewInMemoryTenantStore()
		banditStore = store.NewInMemoryBanditStore()
		feedbackStore = store.NewInMemoryFeedbackStore()
	}

	// Cache
	var cacheBackend domain.Cache
	if url := config.RedisURL(); url != "" {
		redisCache, err := cache.NewRedis(url)
		if err != nil {
			logger.Warn("redis cache initialization failed, falling back to in-process cache", zap.Error(err))
			cacheBackend = cache.NewInProcess()
		} else {
			cacheBackend = redisCache
		}
	} else {
		cacheBackend = cache.NewInProcess()
	}

	// External clients via provider factory
	embeddingProvider := config.EmbeddingProvider()
	embeddingClient, err := embedding.NewClient(embeddingProvider, config.EmbeddingAPIKey())
	if err != nil {
		logger.Warn("embedding client initialization failed", zap.String("provider", embeddingProvider), zap.Error(err))
		embeddingClient = nil
	} else {
		logger.Info("embedding client initialized", zap.String("provider", embeddingProvider))
	}

	llmProvider := config.LLMProvider()
	llmClient, err := llm.NewClient(llmProvider, config.LLMAPIKey())
	if err != nil {
		logger.Warn("LLM client initialization failed", zap.String("provider", llmProvider), zap.Error(err))
		llmClient = nil
	} else if llmClient != nil {
		logger.Info("LLM client initialized", zap.String("provider", llmProvider))
	}

	clk := clock.Real{}
	instanceID := config.InstanceID()

	// Services
	guard := service.NewIsolationGuard(logger, config.StrictIsolation())
	layerCfg := service.LayerConfig{
		domain.LayerSensory:    {Capacity: int64(config.SensoryCapacity()), DefaultTTL: config.SensoryTTL()},
		domain.LayerWorking:    {Capacity: int64(config.WorkingCapacity())},
		domain.LayerReflective: {Capacity: int64(config.ReflectiveCapacity())},
	}
	layers := service.NewLayerManager(memoryStore, clk, layerCfg, logger)

	memorySvc := service.NewMemoryService(memoryStore, vectorStore, embeddingClient, layers, clk, logger)
	consolidationSvc := service.NewConsolidationService(memoryStore, layers, clk, logger)
	consolidationSvc.SetInterval(config.ConsolidationInterval())
	reflectionSvc := service.NewReflectionService(memoryStore, vectorStore, embeddingClient, llmClient, clk, logger)
	reflectionSvc.SetInterval(config.ReflectionInterval())
	reconciler := service.NewReconciler(memoryStore, vectorStore, logger)
	reconciler.SetInterval(config.ReconcileInterval())

	strategies := []service.RetrievalStrategy{
		service.NewFulltextStrategy(memoryStore),
		service.NewBM25Strategy(memoryStore),
	}
	engineOpts := []service.EngineOption{
		service.WithStrategyTimeout(config.StrategyTimeout()),
		service.WithCacheTTL(config.CacheTTL()),
		service.WithFeedbackJournal(feedbackStore),
		service.WithBanditPersistence(banditStore, instanceID),
	}
	if embeddingClient != nil {
		strategies = append(strategies, service.NewVectorStrategy(embeddingClient, vectorStore))
		engineOpts = append(engineOpts, service.WithReranker(embeddingClient))
	}

	bandit := service.NewPolicyBandit(logger)
	if err := bandit.LoadFrom(context.Background(), banditStore, instanceID); err != nil {
		logger.Warn("bandit state load failed, starting fresh", zap.Error(err))
	}

	engine := service.NewRetrievalEngine(memoryStore, strategies, cacheBackend, bandit, guard, clk, logger, engineOpts...)

	// Peer replication
	peers, err := config.SyncPeers()
	if err != nil {
		logger.Warn("sync peer configuration invalid, sync disabled", zap.Error(err))
		peers = nil
	}
	sharedSecret := config.SyncSharedSecret()
	peerClient, err := syncpeer.NewHTTPClient(instanceID, sharedSecret)
	if err != nil {
		logger.Warn("sync cipher initialization failed, sending plaintext", zap.Error(err))
		peerClient, _ = syncpeer.NewHTTPClient(instanceID, "")
	}
	syncSvc := service.NewSyncService(memoryStore, peerClient, peers, domain.ConflictStrategy(config.ConflictStrategy()), clk, logger)
	syncSvc.SetInterval(config.SyncInterval())

	var syncCipher *syncpeer.Cipher
	if sharedSecret != "" {
		syncCipher, err = syncpeer.NewCipher(sharedSecret)
		if err != nil {
			logger.Warn("sync cipher initialization failed, accepting plaintext only", zap.Error(err))
		}
	}

	// Handlers
	tenantHandler := handlers.NewTenantHandler(tenantStore)
	memoryHandler := handlers.NewMemoryHandler(memorySvc)
	searchHandler := handlers.NewSearchHandler(engine)
	feedbackHandler := handlers.NewFeedbackHandler(engine)
	adminHandler := handlers.NewAdminHandler(consolidationSvc, reflectionSvc, reconciler, layers, guard, vectorStore, bandit, syncSvc)
	syncHandler := handlers.NewSyncHandler(syncSvc, memoryStore, syncCipher, instanceID, domain.PeerRole(config.PeerRole()), logger)

	r := chi.NewRouter()

	app := &App{
		Router:        r,
		Memory:        memorySvc,
		Consolidation: consolidationSvc,
		Reflection:    reflectionSvc,
		Reconciler:    reconciler,
		Sync:          syncSvc,
		Engine:        engine,
		startTime:     time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health (no auth)
	r.Get("/health", healthHandler(db))

	// Metrics (no auth)
	r.Get("/metrics", app.metricsHandler())

	// Tenant creation (no auth, bootstrap endpoint)
	r.Post("/v1/tenants", tenantHandler.Create)

	r.Route("/v1", func(r chi.Router) {
		// Peer replication endpoints carry no API key; sealed payloads
		// authenticate peers when a shared secret is configured.
		r.Route("/sync", func(r chi.Router) {
			r.Post("/handshake", syncHandler.Handshake)
			r.Post("/push", syncHandler.Push)
			r.Post("/pull", syncHandler.Pull)
			r.Get("/status", syncHandler.Status)
		})

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(mw.APIKeyAuth(tenantStore))

			r.Route("/memories", func(r chi.Router) {
				r.Post("/", memoryHandler.Create)
				r.Get("/", memoryHandler.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", memoryHandler.GetByID)
					r.Patch("/", memoryHandler.Update)
					r.Delete("/", memoryHandler.Delete)
					r.Put("/expiry", memoryHandler.SetExpiry)
				})
			})

			r.Post("/search", searchHandler.Search)
			r.Post("/feedback", feedbackHandler.Create)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/consolidate", adminHandler.TriggerConsolidation)
				r.Post("/reflect", adminHandler.TriggerReflection)
				r.Post("/reconcile", adminHandler.TriggerReconcile)
				r.Post("/sync", syncHandler.Run)
				r.Get("/status", adminHandler.GetStatus)
			})
		})
	})

	return app
}

// Start launches the background workers.
func (app *App) Start() {
	app.Memory.Start()
	app.Consolidation.Start()
	app.Reflection.Start()
	app.Reconciler.Start()
	app.Sync.Start()
}

// Stop shuts the background workers down in reverse order.
func (app *App) Stop() {
	app.Sync.Stop()
	app.Reconciler.Stop()
	app.Reflection.Stop()
	app.Consolidation.Stop()
	app.Memory.Stop()
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
