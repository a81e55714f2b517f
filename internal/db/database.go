// Package db provides PostgreSQL and Redis connectivity for CODEHIVE.
package db

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"codehive/internal/logging"
	"codehive/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string

	// URL takes precedence over the individual fields when set.
	URL string
}

// DefaultConfig returns default database configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "password",
		DBName:   "codehive",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}
}

// ConfigFromEnv builds database configuration from environment variables.
// DATABASE_URL wins over the individual DB_* settings.
func ConfigFromEnv() *Config {
	config := DefaultConfig()

	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.URL = url
		return config
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		config.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		config.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		config.DBName = name
	}
	if sslMode := os.Getenv("DB_SSLMODE"); sslMode != "" {
		config.SSLMode = sslMode
	}

	return config
}

// DSN renders the PostgreSQL connection string.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone,
	)
}

// NewDatabase creates a new database connection and runs auto-migration.
func NewDatabase(config *Config) (*Database, error) {
	if config == nil {
		config = ConfigFromEnv()
	}

	logLevel := logger.Warn
	if os.Getenv("ENVIRONMENT") != "production" {
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(config.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db}

	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected")
	return database, nil
}

// Migrate applies the schema for all models plus supporting indexes.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMember{},
		&models.ExecutionLog{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := d.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.L().Info("database migrations completed")
	return nil
}

// createIndexes creates additional database indexes for hot query paths.
func (d *Database) createIndexes() error {
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_rooms_public ON rooms(is_public) WHERE is_public = true")
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_rooms_owner ON rooms(owner_id)")
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_room_members_room ON room_members(room_id)")
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_execution_logs_room_date ON execution_logs(room_id, created_at DESC)")
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_execution_logs_user_status ON execution_logs(user_id, status)")

	return nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM database instance.
func (d *Database) GetDB() *gorm.DB {
	return d.DB
}

// GetStats returns database connection statistics.
func (d *Database) GetStats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Transaction wraps a function in a database transaction.
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}
