package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/drachma/drachma-bridge/internal/api"
	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/config"
	"github.com/drachma/drachma-bridge/internal/gossip"
	"github.com/drachma/drachma-bridge/internal/lockstore"
	"github.com/drachma/drachma-bridge/internal/log"
	"github.com/drachma/drachma-bridge/internal/metrics"
	"github.com/drachma/drachma-bridge/internal/relayer"
	"github.com/drachma/drachma-bridge/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting bridge node",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"nodeId", cfg.NodeID,
		"store", cfg.Store.Backend,
		"gossip", cfg.Gossip.Backend,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("drachma-bridge")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Lock store
	store, err := lockstore.Open(ctx, cfg.LockStore())
	if err != nil {
		logger.Fatalw("Failed to open lock store", "backend", cfg.Store.Backend, "error", err)
	}
	defer store.Close()
	logger.Infow("Lock store ready", "backend", cfg.Store.Backend)

	// Gossip bus
	bus, err := openBus(ctx, cfg)
	if err != nil {
		logger.Fatalw("Failed to setup gossip bus", "backend", cfg.Gossip.Backend, "error", err)
	}
	defer bus.Close()

	opts := []bridge.ManagerOption{
		bridge.WithObserver(gossip.NewEventPublisher(bus, cfg.NodeID, logger)),
		bridge.WithRecorder(metricsObj),
		bridge.WithStrictRefund(cfg.Bridge.StrictRefund),
	}
	nodeKey, err := loadNodeKey(cfg)
	if err != nil {
		logger.Fatalw("Invalid node key", "error", err)
	}
	if nodeKey != nil {
		opts = append(opts, bridge.WithNodeKey(nodeKey))
	}

	manager, err := bridge.NewManager(store, logger, opts...)
	if err != nil {
		logger.Fatalw("Failed to create bridge manager", "error", err)
	}

	rel := relayer.New(manager, logger,
		relayer.WithGossip(bus, cfg.NodeID),
		relayer.WithPollInterval(cfg.Relayer.PollInterval),
		relayer.WithMaxBackoff(cfg.Relayer.MaxBackoff),
		relayer.WithStopTimeout(cfg.Relayer.StopTimeout),
		relayer.WithMetrics(metricsObj),
	)

	for _, spec := range cfg.Chains {
		if err := manager.RegisterChain(spec.Name, spec.Config); err != nil {
			logger.Fatalw("Failed to register chain", "chain", spec.Name, "error", err)
		}
		if err := rel.AddWatchedChain(spec.Name, spec.Config); err != nil {
			logger.Fatalw("Failed to watch chain", "chain", spec.Name, "error", err)
		}
	}

	// Create context for background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if err := rel.Start(bgCtx); err != nil {
		logger.Fatalw("Failed to start relayer", "error", err)
	}
	defer rel.Stop()

	wsHub := ws.NewHub(bus, logger, metricsObj, cfg.Security.CORSAllowedOrigins)
	go wsHub.Run(bgCtx)

	// Setup API handler and middleware
	ready := map[string]api.Pinger{"store": store}
	if p, ok := bus.(api.Pinger); ok {
		ready["gossip"] = p
	}
	handler := api.NewHandler(manager, rel, wsHub, ready, cfg.NodeID, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM, metricsHandler)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Setup HTTP server
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
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
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Server startup failed", "error", err)
		}
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}
	}

	bgCancel()
	rel.Stop()
	logger.Infow("Server stopped", "relayer", rel.Metrics())
}

func openBus(ctx context.Context, cfg *config.Config) (gossip.Bus, error) {
	switch cfg.Gossip.Backend {
	case "redis":
		return gossip.NewRedisBus(ctx, cfg.Store.RedisURL)
	default:
		return gossip.NewMemoryBus(0), nil
	}
}

func loadNodeKey(cfg *config.Config) (*secp256k1.PrivateKey, error) {
	raw, err := cfg.NodeKeyBytes()
	if err != nil || raw == nil {
		return nil, err
	}
	return bridge.ParseSigningKey(raw)
}
