// The codehive execution worker: leases jobs from the redis queue, runs
// them in docker sandboxes, and publishes results. Scale by running
// more worker processes; the queue's lease reaper covers crashes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codehive/internal/db"
	"codehive/internal/execution"
	"codehive/internal/kvs"
	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/internal/queue"
	"codehive/internal/sandbox"

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

	redisClient, err := db.NewRedisClient(db.RedisConfigFromEnv())
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer redisClient.Close()

	executor, err := sandbox.NewExecutor()
	if err != nil {
		log.Fatal("container runtime unavailable", zap.Error(err))
	}
	defer executor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := kvs.NewRedisStore(redisClient.Client())
	jobQueue := queue.New(redisClient.Client(), queue.DefaultOptions())
	jobQueue.StartMaintenance(ctx)

	worker := execution.NewWorker(jobQueue, executor, store, redisClient,
		sandbox.NewRegistry(), sandbox.NewFilter(getEnvBool("SANDBOX_STRICT_FILTER", false)),
		execution.WorkerOptions{
			Concurrency:    getEnvInt("WORKER_CONCURRENCY", 5),
			MaxSourceBytes: getEnvInt("MAX_SOURCE_BYTES", 10*1024),
		})

	collector := metrics.NewCollector(30 * time.Second)
	collector.Start()
	defer collector.Stop()

	healthServer := startHealthServer(redisClient)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("draining worker", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("worker started", zap.Int("concurrency", getEnvInt("WORKER_CONCURRENCY", 5)))
	worker.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown failed", zap.Error(err))
	}
	log.Info("worker stopped")
}

// startHealthServer exposes /healthz and /metrics for probes and scraping.
func startHealthServer(redisClient *db.RedisClient) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.PrometheusHandlerHTTP())

	port := os.Getenv("WORKER_HEALTH_PORT")
	if port == "" {
		port = "9100"
	}
	server := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("health server failed", zap.Error(err))
		}
	}()
	return server
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
