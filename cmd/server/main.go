package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/castscribe/castscribe/cmd/internal/api"
	"github.com/castscribe/castscribe/cmd/internal/config"
	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/fetch"
	"github.com/castscribe/castscribe/cmd/internal/pipeline"
	"github.com/castscribe/castscribe/cmd/internal/refine"
	"github.com/castscribe/castscribe/cmd/internal/resolver"
	"github.com/castscribe/castscribe/cmd/internal/storage"
	"github.com/castscribe/castscribe/cmd/internal/strategy"
	"github.com/castscribe/castscribe/pkg/logger"
)

func main() {
	if _, err := logger.Init(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: os.Getenv("ENV"),
		WithSource:  !strings.EqualFold(os.Getenv("ENV"), "production"),
		File:        os.Getenv("LOG_FILE"),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logInstance := logger.L()
	appLogger := logInstance.With("component", "server")

	cfg, err := config.LoadConfig()
	if err != nil {
		appLogger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	config.GlobalConfig = cfg

	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Engines.
	nova := engine.NewNovaEngine(cfg.Engines.NovaURL, cfg.Engines.NovaAPIKey)
	precision := engine.NewPrecisionEngine(cfg.Engines.PrecisionURL, cfg.Engines.PrecisionAPIKey)

	var fast engine.Transcriber = nova
	var accurate engine.Transcriber = precision
	if cfg.Engines.NovaURL == "" && cfg.Engines.PrecisionURL == "" {
		appLogger.Warn("no engine endpoints configured, running in degraded mode")
		mock := engine.NewMockEngine(logInstance.With("component", "mock-engine"))
		fast, accurate = mock, mock
	}

	policy, err := strategy.LoadPolicy(cfg.Policy.File)
	if err != nil {
		appLogger.Error("strategy policy load failed", "file", cfg.Policy.File, "error", err)
		os.Exit(1)
	}
	probe := strategy.NewLanguageProbe(fast, logInstance.With("component", "language-probe"))
	strat := strategy.New(fast, accurate, policy, probe, logInstance.With("component", "strategy"))

	// Resolver with short-TTL descriptor cache.
	res := resolver.New(cfg.Resolver.MetadataURL, resolver.NewMemoryCache(), cfg.Resolver.CacheTTL,
		logInstance.With("component", "resolver"))

	fetchOpts := fetch.Options{
		ChunkSize:           cfg.Fetch.ChunkSize,
		MaxConcurrentChunks: cfg.Fetch.MaxConcurrentChunks,
		ChunkTimeout:        cfg.Fetch.ChunkTimeout,
		RetryAttempts:       cfg.Fetch.RetryAttempts,
		RetryDelay:          cfg.Fetch.RetryDelay,
		SOCKSProxyAddr:      cfg.Fetch.SOCKSProxyAddr,
	}
	if prefix := cfg.Fetch.ProxyPrefix; prefix != "" {
		fetchOpts.ProxyRewrite = func(u string) string { return prefix + u }
	}

	var store storage.ObjectStore = storage.NullStore{}
	if cfg.Storage.Endpoint != "" {
		startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = storage.NewMinIOStore(startupCtx, cfg.Storage)
		cancelStartup()
		if err != nil {
			appLogger.Error("object storage init failed", "endpoint", cfg.Storage.Endpoint, "error", err)
			os.Exit(1)
		}
	} else {
		appLogger.Warn("S3_ENDPOINT not set, jobs will fail at the staging stage")
	}

	var chatClient refine.ChatClient
	if cfg.Refine.OpenAIKey != "" {
		chatClient = refine.NewOpenAIClient(cfg.Refine.OpenAIKey, "", cfg.Refine.Model)
	} else {
		appLogger.Warn("OPENAI_API_KEY not set, punctuation refinement disabled")
	}
	refiner := refine.New(chatClient, refine.Options{
		MaxConcurrency: cfg.Refine.MaxConcurrency,
		BatchDelay:     cfg.Refine.BatchDelay,
	}, logInstance.With("component", "refine"))

	svc := pipeline.New(res, fetch.NewFetcher(), store, strat, refiner, nil, fetchOpts,
		logInstance.With("component", "pipeline"))

	handler := api.NewHandler(svc, []engine.Transcriber{fast, accurate},
		logInstance.With("component", "api"))
	r := api.NewRouter(handler)

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: r,
	}

	go func() {
		appLogger.Info("server starting", "addr", serverAddr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	appLogger.Info("shutdown signal received, shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	appLogger.Info("server shutdown complete")
}
