// Versioned schema migrations using golang-migrate. AutoMigrate covers
// development; deployments apply the SQL files under migrations/ so schema
// changes stay reviewable.

package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// MigrationConfig holds configuration for the migration runner.
type MigrationConfig struct {
	// DatabaseURL is the connection string (PostgreSQL or SQLite).
	DatabaseURL string

	// DatabaseType is "postgres" or "sqlite".
	DatabaseType string

	// MigrationsPath points at the directory of .sql migration files.
	MigrationsPath string

	// Logger for migration output.
	Logger *log.Logger
}

// MigrationRunner handles database migrations.
type MigrationRunner struct {
	config   *MigrationConfig
	migrate  *migrate.Migrate
	db       *sql.DB
	dbDriver string
}

// MigrationStatus represents the current migration state.
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil {
		return nil, errors.New("migration config is required")
	}

	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[MIGRATE] ", log.LstdFlags)
	}

	migrationsPath := config.MigrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}
	if !filepath.IsAbs(migrationsPath) {
		absPath, err := filepath.Abs(migrationsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		migrationsPath = absPath
	}

	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	config.MigrationsPath = migrationsPath

	runner := &MigrationRunner{
		config:   config,
		dbDriver: config.DatabaseType,
	}

	if err := runner.initialize(); err != nil {
		return nil, err
	}

	return runner, nil
}

func (r *MigrationRunner) initialize() error {
	var err error
	var driver database.Driver

	switch r.dbDriver {
	case "postgres", "postgresql":
		r.db, err = sql.Open("postgres", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
		}

		driver, err = postgres.WithInstance(r.db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("failed to create PostgreSQL driver: %w", err)
		}
		r.dbDriver = "postgres"

	case "sqlite", "sqlite3":
		r.db, err = sql.Open("sqlite", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open SQLite connection: %w", err)
		}

		driver, err = sqlite.WithInstance(r.db, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create SQLite driver: %w", err)
		}
		r.dbDriver = "sqlite"

	default:
		return fmt.Errorf("unsupported database type: %s", r.dbDriver)
	}

	sourceURL := fmt.Sprintf("file://%s", r.config.MigrationsPath)
	r.migrate, err = migrate.NewWithDatabaseInstance(sourceURL, r.dbDriver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	return nil
}

// RunMigrations applies all pending migrations.
func (r *MigrationRunner) RunMigrations() error {
	r.config.Logger.Println("Running database migrations...")

	err := r.migrate.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("No migrations to apply - database is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Migrations completed successfully. Current version: %d (dirty: %v)", version, dirty)

	return nil
}

// MigrateUp applies N migrations.
func (r *MigrationRunner) MigrateUp(n int) error {
	r.config.Logger.Printf("Applying %d migration(s)...", n)

	err := r.migrate.Steps(n)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Applied %d migration(s). Current version: %d (dirty: %v)", n, version, dirty)

	return nil
}

// RollbackMigration rolls back the last migration.
func (r *MigrationRunner) RollbackMigration() error {
	r.config.Logger.Println("Rolling back last migration...")

	err := r.migrate.Steps(-1)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("No migrations to rollback")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Printf("Rollback completed. Current version: %d (dirty: %v)", version, dirty)

	return nil
}

// RollbackAll rolls back all migrations.
func (r *MigrationRunner) RollbackAll() error {
	r.config.Logger.Println("Rolling back all migrations...")

	err := r.migrate.Down()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("No migrations to rollback")
			return nil
		}
		return fmt.Errorf("rollback all failed: %w", err)
	}

	r.config.Logger.Println("All migrations rolled back successfully")
	return nil
}

// GetVersion returns the current migration version.
func (r *MigrationRunner) GetVersion() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()

	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			status.Version = 0
			status.Applied = false
			return status, nil
		}
		status.Error = err.Error()
		return status, err
	}

	return status, nil
}

// Force sets the migration version without running migrations.
// Use with caution - this is for fixing dirty states.
func (r *MigrationRunner) Force(version int) error {
	r.config.Logger.Printf("Forcing version to %d...", version)

	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	r.config.Logger.Printf("Version forced to %d", version)
	return nil
}

// Close closes the migration runner and database connection.
func (r *MigrationRunner) Close() error {
	if r.migrate != nil {
		srcErr, dbErr := r.migrate.Close()
		if srcErr != nil {
			return fmt.Errorf("failed to close source: %w", srcErr)
		}
		if dbErr != nil {
			return fmt.Errorf("failed to close database: %w", dbErr)
		}
	}
	return nil
}

// RunMigrations is a convenience wrapper for applying all migrations.
func RunMigrations(databaseURL, databaseType, migrationsPath string) error {
	runner, err := NewMigrationRunner(&MigrationConfig{
		DatabaseURL:    databaseURL,
		DatabaseType:   databaseType,
		MigrationsPath: migrationsPath,
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	return runner.RunMigrations()
}

// BuildPostgresDSN constructs a PostgreSQL connection URL from components.
func BuildPostgresDSN(host string, port int, user, password, dbname, sslmode string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode,
	)
}
