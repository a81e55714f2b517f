// Migration CLI for the codehive schema.
//
// Usage:
//
//	go run cmd/migrate/main.go up            # Apply all pending migrations
//	go run cmd/migrate/main.go down          # Rollback last migration
//	go run cmd/migrate/main.go down-all      # Rollback all migrations
//	go run cmd/migrate/main.go version       # Show current migration version
//	go run cmd/migrate/main.go force N       # Force version to N (fix dirty state)
//	go run cmd/migrate/main.go create NAME   # Create new migration files
package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codehive/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	dbURL, dbType := databaseConfig()
	migrationsPath := migrationsDir()

	config := &db.MigrationConfig{
		DatabaseURL:    dbURL,
		DatabaseType:   dbType,
		MigrationsPath: migrationsPath,
	}

	switch command {
	case "up":
		withRunner(config, func(r *db.MigrationRunner) error { return r.RunMigrations() })
	case "down":
		withRunner(config, func(r *db.MigrationRunner) error { return r.RollbackMigration() })
	case "down-all":
		log.Println("WARNING: rolling back ALL migrations deletes all data. Ctrl+C within 5s to cancel.")
		time.Sleep(5 * time.Second)
		withRunner(config, func(r *db.MigrationRunner) error { return r.RollbackAll() })
	case "version":
		showVersion(config)
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate force <version>")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("Invalid version number: %s", os.Args[2])
		}
		withRunner(config, func(r *db.MigrationRunner) error { return r.Force(version) })
	case "create":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		createMigration(migrationsPath, os.Args[2])
	case "help":
		printUsage()
	default:
		log.Printf("Unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

func withRunner(config *db.MigrationConfig, fn func(*db.MigrationRunner) error) {
	runner, err := db.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	if err := fn(runner); err != nil {
		log.Fatalf("Migration command failed: %v", err)
	}
}

func showVersion(config *db.MigrationConfig) {
	runner, err := db.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	status, err := runner.GetVersion()
	if err != nil {
		log.Fatalf("Failed to get version: %v", err)
	}

	fmt.Printf("Version: %d\nDirty:   %v\nApplied: %v\n", status.Version, status.Dirty, status.Applied)
	if status.Dirty {
		fmt.Println("\nWARNING: database is in a dirty state; a migration failed halfway.")
		fmt.Printf("Use 'migrate force %d' to fix, then retry.\n", status.Version-1)
	}
}

func printUsage() {
	fmt.Print(`
codehive database migration tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Apply all pending migrations
  down            Rollback the last migration
  down-all        Rollback all migrations (WARNING: deletes all data!)
  version         Show current migration version
  force <N>       Force version to N (use to fix dirty state)
  create <name>   Create new migration files
  help            Show this help message

Environment:
  DATABASE_URL    Full database connection URL
  DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/DB_SSLMODE
  MIGRATIONS_PATH Override migrations directory
`)
}

func databaseConfig() (string, string) {
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		if u, err := url.Parse(databaseURL); err == nil {
			switch u.Scheme {
			case "postgres", "postgresql":
				return databaseURL, "postgres"
			case "sqlite", "sqlite3":
				return strings.TrimPrefix(databaseURL, u.Scheme+"://"), "sqlite"
			}
		}
		return databaseURL, "postgres"
	}

	dsn := db.BuildPostgresDSN(
		getEnv("DB_HOST", "localhost"),
		getEnvInt("DB_PORT", 5432),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "password"),
		getEnv("DB_NAME", "codehive"),
		getEnv("DB_SSLMODE", "disable"),
	)
	return dsn, "postgres"
}

func migrationsDir() string {
	if path := os.Getenv("MIGRATIONS_PATH"); path != "" {
		return path
	}

	if cwd, err := os.Getwd(); err == nil {
		candidates := []string{
			filepath.Join(cwd, "migrations"),
			filepath.Join(cwd, "..", "migrations"),
			filepath.Join(cwd, "..", "..", "migrations"),
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return "./migrations"
}

func createMigration(migrationsPath, name string) {
	name = strings.ToLower(strings.ReplaceAll(name, " ", "_"))
	name = strings.ReplaceAll(name, "-", "_")

	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		log.Fatalf("Failed to read migrations directory: %v", err)
	}

	maxVersion := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filename := entry.Name()
		if len(filename) >= 6 {
			if v, err := strconv.Atoi(filename[:6]); err == nil && v > maxVersion {
				maxVersion = v
			}
		}
	}

	prefix := fmt.Sprintf("%06d_%s", maxVersion+1, name)
	upFile := filepath.Join(migrationsPath, prefix+".up.sql")
	downFile := filepath.Join(migrationsPath, prefix+".down.sql")

	header := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(header), 0o644); err != nil {
		log.Fatalf("Failed to create up migration: %v", err)
	}
	if err := os.WriteFile(downFile, []byte(header), 0o644); err != nil {
		log.Fatalf("Failed to create down migration: %v", err)
	}

	fmt.Printf("Created:\n  %s\n  %s\n", upFile, downFile)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
