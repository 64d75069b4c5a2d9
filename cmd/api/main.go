package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/api/handlers"
	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/middleware/ratelimit"
	"github.com/docqa/backend/internal/provider"
	"github.com/docqa/backend/internal/qa"
	"github.com/docqa/backend/internal/service"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/summarize"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/config"
	appLogger "github.com/docqa/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document QA API server")

	metrics.Init()

	baseCtx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := sqlite.NewStore(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to open SQLite store", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	registry := provider.NewRegistry()
	embedDim := 0
	if cfg.Providers.OpenAI.Enabled && cfg.Providers.OpenAI.APIKey != "" {
		p := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:         cfg.Providers.OpenAI.APIKey,
			Model:          cfg.Providers.OpenAI.Model,
			EmbeddingModel: cfg.Providers.OpenAI.EmbeddingModel,
			EmbeddingDim:   cfg.Providers.OpenAI.EmbeddingDim,
			Temperature:    cfg.Providers.OpenAI.Temperature,
			MaxTokens:      cfg.Providers.OpenAI.MaxTokens,
		})
		registry.Register("openai", cfg.Providers.OpenAI.Priority, p, p)
		embedDim = cfg.Providers.OpenAI.EmbeddingDim
	}
	if cfg.Providers.Ollama.Enabled {
		p := provider.NewOllama(provider.OllamaConfig{
			Host:           cfg.Providers.Ollama.Host,
			Model:          cfg.Providers.Ollama.Model,
			EmbeddingModel: cfg.Providers.Ollama.EmbeddingModel,
			EmbeddingDim:   cfg.Providers.Ollama.EmbeddingDim,
		})
		registry.Register("ollama", cfg.Providers.Ollama.Priority, p, p)
		if embedDim == 0 || cfg.Providers.Ollama.Priority > cfg.Providers.OpenAI.Priority {
			embedDim = cfg.Providers.Ollama.EmbeddingDim
		}
	}

	registry.Refresh(baseCtx)
	registry.StartHealthLoop(baseCtx, time.Duration(cfg.Providers.HealthIntervalSec)*time.Second)

	var index vector.Index
	switch cfg.Vector.Backend {
	case "milvus":
		milvusIndex, err := vector.NewMilvusIndex(baseCtx, cfg.Vector.Endpoint, cfg.Vector.CollectionName, embedDim)
		if err != nil {
			appLogger.Fatal("Failed to connect to Milvus", zap.Error(err))
		}
		defer milvusIndex.Close()
		index = milvusIndex
	default:
		index = vector.NewMemoryIndex()
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
			cache = nil
		}
	}

	gateway := llm.NewGateway(registry, llm.GatewayConfig{
		AttemptTimeout:    time.Duration(cfg.Providers.AttemptTimeoutSec) * time.Second,
		ChainTimeout:      time.Duration(cfg.Providers.ChainTimeoutSec) * time.Second,
		DefaultPreference: cfg.Providers.Preference,
	})

	qaOrch := qa.NewOrchestrator(store, index, registry, gateway, cache, qa.Config{
		DefaultTopK:       cfg.QA.DefaultTopK,
		ContextCharBudget: cfg.QA.ContextCharBudget,
		BatchWorkers:      cfg.QA.BatchWorkers,
	})

	summarizer := summarize.NewOrchestrator(gateway, summarize.Config{
		SinglePassThreshold: cfg.Summarize.SinglePassThreshold,
		MapChunkChars:       cfg.Summarize.MapChunkChars,
		BatchWorkers:        cfg.Summarize.BatchWorkers,
	})

	svc := service.New(baseCtx, store, index, registry, qaOrch, summarizer, cache, service.Config{
		MaxChunkChars:  cfg.Ingestion.MaxChunkChars,
		OverlapChars:   cfg.Ingestion.OverlapChars,
		EmbedBatchSize: cfg.Ingestion.EmbedBatchSize,
	})

	// The in-process index starts empty, so replay persisted chunks into it.
	if cfg.Vector.Backend != "milvus" {
		if err := svc.RebuildIndex(baseCtx); err != nil {
			appLogger.Fatal("Failed to rebuild vector index", zap.Error(err))
		}
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()
	app.Use("/api", limiter.Middleware())

	documentHandler := handlers.NewDocumentHandler(svc)
	qaHandler := handlers.NewQAHandler(svc)
	summarizeHandler := handlers.NewSummarizeHandler(svc)
	providerHandler := handlers.NewProviderHandler(svc)
	wsHandler := handlers.NewWebSocketHandler(svc)

	api := app.Group("/api/v1")

	api.Post("/documents", documentHandler.Upload)
	api.Get("/documents", documentHandler.List)
	api.Get("/documents/:id", documentHandler.Get)
	api.Delete("/documents/:id", documentHandler.Delete)

	api.Post("/qa", qaHandler.Ask)
	api.Post("/qa/batch", qaHandler.AskBatch)

	api.Post("/summarize", summarizeHandler.Summarize)
	api.Post("/summarize/batch", summarizeHandler.SummarizeBatch)

	api.Get("/providers", providerHandler.List)

	api.Get("/export", documentHandler.Export)
	api.Post("/import", documentHandler.Import)

	app.Get("/health", providerHandler.Health)
	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stop()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
