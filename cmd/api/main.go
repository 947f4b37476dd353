package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianfi/lending-backend/internal/api"
	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/config"
	"github.com/meridianfi/lending-backend/internal/jobs"
	"github.com/meridianfi/lending-backend/internal/ledger"
	"github.com/meridianfi/lending-backend/internal/lending"
	"github.com/meridianfi/lending-backend/internal/log"
	"github.com/meridianfi/lending-backend/internal/metrics"
	"github.com/meridianfi/lending-backend/internal/oracle"
	"github.com/meridianfi/lending-backend/internal/prices"
	"github.com/meridianfi/lending-backend/internal/prices/binance"
	"github.com/meridianfi/lending-backend/internal/prices/mock"
	"github.com/meridianfi/lending-backend/internal/repository"
	"github.com/meridianfi/lending-backend/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting lending API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("lending-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Asset registry drives bank creation, oracle feeds and API listings
	registry, err := assets.NewRegistry(cfg.Assets)
	if err != nil {
		logger.Fatalw("Failed to build asset registry", "error", err)
	}
	logger.Infow("Asset registry loaded", "assets", registry.Assets())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Record store: Postgres in production, the in-memory ledger for dev
	var (
		recordStore lending.Store
		dbPinger    api.Pinger
	)
	if cfg.Database.UseInMemory {
		mem := ledger.NewMemory()
		for _, id := range registry.Assets() {
			bank, err := registry.Bank(id)
			if err != nil {
				logger.Fatalw("Failed to seed bank", "asset", id, "error", err)
			}
			mem.SeedBank(bank)
		}
		recordStore = mem
		logger.Infow("Using in-memory record store")
	} else {
		pg, err := repository.New(ctx, cfg.Database.PostgresDSN, logger)
		if err != nil {
			logger.Fatalw("Failed to connect to database", "error", err)
		}
		defer pg.Close()

		for _, id := range registry.Assets() {
			bank, err := registry.Bank(id)
			if err != nil {
				logger.Fatalw("Failed to seed bank", "asset", id, "error", err)
			}
			if err := pg.EnsureBank(ctx, bank); err != nil {
				logger.Fatalw("Failed to seed bank", "asset", id, "error", err)
			}
		}
		recordStore = pg
		dbPinger = pg
		logger.Infow("Database initialized")
	}

	// Setup Redis cache; falls back to in-memory mode when Redis is down
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	logger.Infow("Cache ready", "in_memory", cache.IsInMemoryMode())

	// Setup price provider
	var priceProvider prices.Provider
	if cfg.Prices.Provider == "mock" {
		priceProvider = mock.NewGenerator(logger, cfg.Prices.MockBasePrice, cfg.Prices.MockVolatility)
	} else {
		priceProvider = binance.NewProvider(logger)
	}

	// Oracle client serves normalized quotes to the engine, cache first
	oracleClient := oracle.NewClient(registry, priceProvider, cache, logger)

	// Lending engine
	engine := lending.NewEngine(recordStore, oracleClient, registry, cfg.Oracle.MaxAge, logger)

	// Create context for background services
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	// Setup and start price publisher with config
	pricePublisherConfig := jobs.PricePublisherConfig{
		ProviderType:   cfg.Prices.Provider,
		RetryInterval:  cfg.Prices.RetryInterval,
		MaxTicksPerSym: 10000, // Keep fixed for now
		TTL:            cfg.Oracle.MaxAge,
		MockVolatility: cfg.Prices.MockVolatility,
		MockBasePrice:  cfg.Prices.MockBasePrice,
	}

	pricePublisher := jobs.NewPricePublisher(registry, cache, logger, pricePublisherConfig)
	go func() {
		logger.Infow("Starting price publisher",
			"provider", cfg.Prices.Provider,
			"retryInterval", cfg.Prices.RetryInterval,
		)
		if err := pricePublisher.Start(jobCtx); err != nil && err != context.Canceled {
			logger.Errorw("Price publisher error", "error", err)
		}
	}()

	// Setup API handler and middleware
	handler := api.NewHandler(engine, registry, cache, dbPinger, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	// Create router with middleware and routes - pass security config to Routes
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	// Log configured CORS origins for easier debugging in dev
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
