// The codehive gateway: HTTP API plus the realtime room fabric.
// Execution itself happens in the worker process (cmd/worker); the two
// share the redis queue and result keyspace.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codehive/internal/api"
	"codehive/internal/auth"
	"codehive/internal/collab"
	"codehive/internal/db"
	"codehive/internal/execution"
	"codehive/internal/kvs"
	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/internal/middleware"
	"codehive/internal/queue"
	"codehive/internal/rooms"
	"codehive/internal/sandbox"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			// Environment variables only; normal in containers.
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	database, err := db.NewDatabase(db.ConfigFromEnv())
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer database.Close()

	if err := database.SeedDemoData(); err != nil {
		log.Warn("demo data seeding failed", zap.Error(err))
	}

	redisClient, err := db.NewRedisClient(db.RedisConfigFromEnv())
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := kvs.NewRedisStore(redisClient.Client())
	jobQueue := queue.New(redisClient.Client(), queue.DefaultOptions())
	jobQueue.StartMaintenance(ctx)

	authSvc := auth.NewService(jwtSecret, getEnvDuration("TOKEN_LIFETIME", 168*time.Hour))
	roomStore := rooms.NewStore(database.DB)
	history := execution.NewHistoryStore(database.DB)
	registry := sandbox.NewRegistry()
	filter := sandbox.NewFilter(getEnvBool("SANDBOX_STRICT_FILTER", false))

	coordinator := execution.NewCoordinator(jobQueue, store, roomStore, history, registry, filter,
		execution.CoordinatorOptions{
			MaxSourceBytes: getEnvInt("MAX_SOURCE_BYTES", 10*1024),
		})

	hub := collab.NewHub(roomStore, store, authSvc, coordinator, history, corsOrigins())
	go hub.Run(ctx)

	bridge := collab.NewResultBridge(redisClient, hub, history)
	go bridge.Run(ctx)

	middleware.InitRateLimiter(getEnvInt("RATE_LIMIT_PER_MINUTE", 600), 50)
	middleware.InitAuthRateLimiter(getEnvInt("AUTH_RATE_LIMIT_PER_MINUTE", 10), 5)

	collector := metrics.NewBusinessMetricsCollector(database.DB, 30*time.Second)
	collector.Start(ctx)
	defer collector.Stop()

	server := api.NewServer(database.DB, redisClient, authSvc, roomStore, coordinator, hub)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	cancel()
	log.Info("gateway stopped")
}

func corsOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnvInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			return v
		}
	}
	return fallback
}
