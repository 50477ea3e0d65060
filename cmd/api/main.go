package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"quota-gateway/internal/config"
	"quota-gateway/internal/handler"
	"quota-gateway/internal/logger"
	"quota-gateway/internal/metrics"
	"quota-gateway/internal/middleware"
	"quota-gateway/internal/service"
	"quota-gateway/internal/storage"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Obter configurações do servidor
	serverConfig := configLoader.GetConfig()

	// Inicializar logger
	appLogger := logger.NewLogger(serverConfig.LogLevel, serverConfig.LogFormat)
	appLogger.Info("Starting Quota Gateway", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": serverConfig.LogLevel,
		"port":      serverConfig.ServerPort,
	})
	if !serverConfig.EnvFileFound {
		appLogger.Info("No .env file found, using environment variables", nil)
	}

	collector := metrics.New()

	// Inicializar storage
	storageConfig := storage.BuildStorageConfigFromEnv(
		serverConfig.StorageType,
		serverConfig.RedisHost,
		serverConfig.RedisPort,
		serverConfig.RedisPassword,
		serverConfig.RedisDB,
		serverConfig.MemoryShards,
	)
	storageConfig.Metrics = collector

	rateLimiterStorage, err := storage.NewStorageFactory().CreateStorage(storageConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to create storage", err, map[string]interface{}{
			"storage_type": serverConfig.StorageType,
		})
		os.Exit(1)
	}
	defer rateLimiterStorage.Close()

	// Inicializar service
	rateLimiterService, err := service.NewRateLimiterService(rateLimiterStorage, cfg, appLogger,
		service.WithMetrics(collector),
		service.WithStorageTimeout(serverConfig.StorageTimeout),
	)
	if err != nil {
		appLogger.Error("Failed to create rate limiter service", err, nil)
		os.Exit(1)
	}

	// Inicializar handlers
	handlers := handler.NewHandlers(rateLimiterService, appLogger,
		handler.WithMetrics(collector),
		handler.WithAdminToken(serverConfig.AdminToken),
		handler.WithReloader(configLoader.Reload),
		handler.WithIdentityHeaders(serverConfig.TrustIdentityHeaders),
		handler.WithMiddlewareOptions(middleware.Options{
			FailurePolicy:        middleware.FailurePolicy(serverConfig.FailurePolicy),
			Mode:                 middleware.AdmissionMode(serverConfig.AdmissionMode),
			FailClosedRetryAfter: serverConfig.FailClosedRetryAfter,
			RefundStatuses:       serverConfig.RefundStatuses,
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observar o arquivo de regras
	if serverConfig.WatchRulesFile && serverConfig.RulesFile != "" {
		watcher, err := config.NewRulesWatcher(serverConfig.RulesFile, configLoader.Reload, rateLimiterService.Reload, appLogger,
			config.WithWatcherMetrics(collector))
		if err != nil {
			appLogger.Error("Failed to create rules watcher", err, nil)
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				appLogger.Error("Rules watcher stopped", err, map[string]interface{}{
					"path": serverConfig.RulesFile,
				})
			}
		}()
	}

	// Configurar Gin
	if serverConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Criar router
	router := gin.New()

	// Middlewares globais
	router.Use(gin.Recovery())

	// Middleware de logging customizado
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	// Configurar rotas
	handlers.SetupRoutes(router)

	// Configurar servidor HTTP
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", serverConfig.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Iniciar servidor em goroutine
	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Failed to start server", err, nil)
			stop()
		}
	}()

	appLogger.Info("Quota Gateway is running", map[string]interface{}{
		"port":           serverConfig.ServerPort,
		"storage":        serverConfig.StorageType,
		"admission_mode": serverConfig.AdmissionMode,
		"failure_policy": serverConfig.FailurePolicy,
		"global_rules":   len(cfg.Rules),
		"tenant_rules":   len(cfg.TenantRules),
		"endpoint_rules": len(cfg.EndpointRules),
		"endpoints": []string{
			"GET    /health",
			"GET    /metrics",
			"GET    /                (rate limited)",
			"POST   /api/classify    (rate limited)",
			"GET    /admin/rules",
			"POST   /admin/rules",
			"DELETE /admin/rules/:id",
			"GET    /admin/usage",
			"POST   /admin/reset",
			"POST   /admin/reload",
			"GET    /admin/system",
		},
	})

	// Bloquear até receber sinal
	<-ctx.Done()
	appLogger.Info("Shutting down server...", nil)

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		return
	}

	appLogger.Info("Server stopped gracefully", nil)
}
