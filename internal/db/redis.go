// Redis client setup for CODEHIVE.
// Supports connection pooling, Sentinel failover, and health checks.

package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"codehive/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL takes precedence: redis://host:port/db, rediss:// for TLS.
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Sentinel configuration (for high availability)
	SentinelAddrs    []string
	SentinelMaster   string
	SentinelPassword string
}

// DefaultRedisConfig returns sensible defaults for Redis configuration.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisConfigFromEnv creates Redis config from environment variables.
func RedisConfigFromEnv() *RedisConfig {
	config := DefaultRedisConfig()

	if url := os.Getenv("REDIS_URL"); url != "" {
		config.URL = url
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.DB = d
		}
	}

	if poolSize := os.Getenv("REDIS_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.PoolSize = ps
		}
	}

	if sentinelAddrs := os.Getenv("REDIS_SENTINEL_ADDRS"); sentinelAddrs != "" {
		config.SentinelAddrs = strings.Split(sentinelAddrs, ",")
	}
	if sentinelMaster := os.Getenv("REDIS_SENTINEL_MASTER"); sentinelMaster != "" {
		config.SentinelMaster = sentinelMaster
	}
	if sentinelPassword := os.Getenv("REDIS_SENTINEL_PASSWORD"); sentinelPassword != "" {
		config.SentinelPassword = sentinelPassword
	}

	return config
}

// RedisClient wraps the go-redis client with health checks and convenience
// methods. The job queue and socket registry both depend on a single
// keyspace, so cluster mode is intentionally not supported; use Sentinel
// for failover.
type RedisClient struct {
	client      redis.UniversalClient
	isSentinel  bool
	config      *RedisConfig
	healthCheck chan struct{}
}

// NewRedisClient creates a new Redis client based on configuration.
func NewRedisClient(config *RedisConfig) (*RedisClient, error) {
	if config == nil {
		config = RedisConfigFromEnv()
	}

	rc := &RedisClient{
		config:      config,
		healthCheck: make(chan struct{}),
	}

	var err error
	if len(config.SentinelAddrs) > 0 && config.SentinelMaster != "" {
		rc.client = rc.createSentinelClient(config)
		rc.isSentinel = true
	} else {
		rc.client, err = rc.createStandardClient(config)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	go rc.runHealthCheck()

	logging.L().Info("redis client connected", zap.Bool("sentinel", rc.isSentinel))
	return rc, nil
}

func (rc *RedisClient) createStandardClient(config *RedisConfig) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		PoolTimeout:  config.PoolTimeout,
		IdleTimeout:  config.IdleTimeout,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	// URL overrides individual settings but keeps pool tuning
	if config.URL != "" {
		parsedOpts, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		parsedOpts.PoolSize = config.PoolSize
		parsedOpts.MinIdleConns = config.MinIdleConns
		parsedOpts.PoolTimeout = config.PoolTimeout
		parsedOpts.IdleTimeout = config.IdleTimeout
		parsedOpts.DialTimeout = config.DialTimeout
		parsedOpts.ReadTimeout = config.ReadTimeout
		parsedOpts.WriteTimeout = config.WriteTimeout
		opts = parsedOpts
	}

	return redis.NewClient(opts), nil
}

func (rc *RedisClient) createSentinelClient(config *RedisConfig) redis.UniversalClient {
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       config.SentinelMaster,
		SentinelAddrs:    config.SentinelAddrs,
		SentinelPassword: config.SentinelPassword,
		Password:         config.Password,
		DB:               config.DB,
		PoolSize:         config.PoolSize,
		MinIdleConns:     config.MinIdleConns,
		PoolTimeout:      config.PoolTimeout,
		IdleTimeout:      config.IdleTimeout,
		DialTimeout:      config.DialTimeout,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
	})
}

func (rc *RedisClient) runHealthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rc.client.Ping(ctx).Err(); err != nil {
				logging.L().Warn("redis health check failed", zap.Error(err))
			}
			cancel()
		case <-rc.healthCheck:
			return
		}
	}
}

// Client returns the underlying Redis client.
func (rc *RedisClient) Client() redis.UniversalClient {
	return rc.client
}

// Ping tests the Redis connection.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Health returns a detailed health status.
func (rc *RedisClient) Health(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"connected": false,
		"type":      "standard",
		"latency":   "unknown",
	}
	if rc.isSentinel {
		status["type"] = "sentinel"
	}

	start := time.Now()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		status["error"] = err.Error()
		return status
	}

	status["connected"] = true
	status["latency"] = time.Since(start).String()

	stats := rc.client.PoolStats()
	status["pool"] = map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
	}

	return status
}

// Close closes the Redis connection.
func (rc *RedisClient) Close() error {
	close(rc.healthCheck)
	return rc.client.Close()
}

// Convenience methods for common operations

// Get retrieves a value from Redis.
func (rc *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return rc.client.Get(ctx, key).Result()
}

// Set stores a value in Redis with optional TTL.
func (rc *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rc.client.Set(ctx, key, value, ttl).Err()
}

// Del deletes keys from Redis.
func (rc *RedisClient) Del(ctx context.Context, keys ...string) error {
	return rc.client.Del(ctx, keys...).Err()
}

// Exists checks if keys exist.
func (rc *RedisClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	return rc.client.Exists(ctx, keys...).Result()
}

// Expire sets TTL on a key.
func (rc *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rc.client.Expire(ctx, key, ttl).Err()
}

// TTL gets the remaining TTL of a key.
func (rc *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rc.client.TTL(ctx, key).Result()
}

// Publish sends a message on a pub/sub channel.
func (rc *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return rc.client.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub subscription on the given channels.
func (rc *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return rc.client.Subscribe(ctx, channels...)
}

// Pipeline creates a pipeline for batched operations.
func (rc *RedisClient) Pipeline() redis.Pipeliner {
	return rc.client.Pipeline()
}
