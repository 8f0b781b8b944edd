package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/marzo245/RoleDesk-B/internal/v1/auth"
	"github.com/marzo245/RoleDesk-B/internal/v1/bus"
	"github.com/marzo245/RoleDesk-B/internal/v1/config"
	"github.com/marzo245/RoleDesk-B/internal/v1/health"
	"github.com/marzo245/RoleDesk-B/internal/v1/httpapi"
	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/middleware"
	"github.com/marzo245/RoleDesk-B/internal/v1/ratelimit"
	"github.com/marzo245/RoleDesk-B/internal/v1/session"
	"github.com/marzo245/RoleDesk-B/internal/v1/store"
	"github.com/marzo245/RoleDesk-B/internal/v1/tracing"
	"github.com/marzo245/RoleDesk-B/internal/v1/transport"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"
)

const serviceName = "roledesk-realtime"

func main() {
	// Load .env for local development; in deployment the environment is set
	// by the platform.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Authentication ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "Development mode without Auth0 credentials, auto-enabling SKIP_AUTH")
		skipAuth = true
	}

	var wsValidator transport.TokenValidator
	var apiValidator httpapi.ClaimsValidator
	if skipAuth {
		logging.Warn(ctx, "Authentication DISABLED - do not use in production")
		mock := &auth.MockValidator{}
		wsValidator, apiValidator = mock, mock
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		validator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		wsValidator, apiValidator = validator, validator
	}

	// --- Persistence and the realm bus ---
	var redisClient *redis.Client
	var realmStore types.RealmStore
	var redisStore *store.RedisStore
	var busService *bus.Service

	if cfg.RedisEnabled {
		redisClient, err = store.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "Failed to connect to Redis", zap.Error(err))
		}
		redisStore = store.NewRedisStore(redisClient)
		realmStore = redisStore
		busService = bus.NewService(redisClient)
		logging.Info(ctx, "Redis connected: realm store and bus active")
	} else {
		realmStore = store.NewMemoryStore()
		logging.Warn(ctx, "Redis disabled: in-memory store, single-instance mode")
	}

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	// --- Realtime core ---
	manager := session.NewManager()
	registry := session.NewUserRegistry()
	hub := transport.NewHub(cfg, wsValidator, manager, registry, realmStore, limiter)

	// Realm mutations anywhere in the fleet evict the session here too.
	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	busService.Subscribe(busCtx, nil, func(event bus.RealmEvent) {
		realmID := types.RealmIDType(event.RealmID)
		switch event.Kind {
		case bus.KindRealmDeleted:
			manager.EvictRealm(busCtx, realmID, types.TerminationRealmDeleted, "This realm has been deleted.")
		case bus.KindRealmUpdated:
			manager.EvictRealm(busCtx, realmID, types.TerminationRealmUpdated, "This realm has been updated. Please rejoin.")
		}
	})

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, collectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/api/v1")
	api.Use(httpapi.AuthMiddleware(apiValidator))
	api.Use(limiter.GlobalMiddleware())
	// A nil *bus.Service is valid: publishes become no-ops in
	// single-instance mode.
	httpapi.NewHandler(realmStore, busService, manager).Register(api)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthChecks := make(map[string]health.Pinger)
	if redisStore != nil {
		healthChecks["redis"] = redisStore
	}
	if busService != nil {
		healthChecks["bus"] = busService
	}
	healthHandler := health.NewHandler(healthChecks)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Server starting on port "+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Tell every connected player this is a restart, not an error.
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	busCancel()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exited")
}
