// Package database owns the operational database/sql handle used for
// migrations and health checks. The ledger's own read/write path goes
// through internal/ledger's pgxpool instead; this package exists
// purely for the go-blueprint-style Health() surface and the
// golang-migrate runner that cmd/migrate drives.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	_ "github.com/joho/godotenv/autoload"
)

type Service interface {
	Health() map[string]string
	Close() error
}

type service struct {
	db *sql.DB
}

var (
	database = getEnv("BLUEPRINT_DB_DATABASE", "crashdb")
	password = getEnv("BLUEPRINT_DB_PASSWORD", "postgres")
	username = getEnv("BLUEPRINT_DB_USERNAME", "postgres")
	port     = getEnv("BLUEPRINT_DB_PORT", "5432")
	host     = getEnv("BLUEPRINT_DB_HOST", "localhost")
	schema   = getEnv("BLUEPRINT_DB_SCHEMA", "public")
)

// New opens the operational *sql.DB handle (driver "pgx", via
// jackc/pgx/v5/stdlib) used for migrations and health probes.
func New() Service {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Fatalf("[DATABASE] failed to open connection: %v", err)
	}

	return &service{db: db}
}

// Health reports connection pool stats in the shape the rest of the
// ambient stack expects (the same map shape as internal/cache.Health).
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = fmt.Sprintf("%d", dbStats.OpenConnections)
	stats["in_use"] = fmt.Sprintf("%d", dbStats.InUse)
	stats["idle"] = fmt.Sprintf("%d", dbStats.Idle)
	stats["wait_count"] = fmt.Sprintf("%d", dbStats.WaitCount)

	if dbStats.OpenConnections > 40 {
		stats["message"] = "The database is experiencing heavy load"
	}

	return stats
}

func (s *service) Close() error {
	log.Printf("[DATABASE] disconnecting from %s", database)
	return s.db.Close()
}

func migrateInstance(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, database, driver)
	if err != nil {
		return nil, fmt.Errorf("database: migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies every pending up migration under migrationsPath.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: up: %w", err)
	}
	return nil
}

// RollbackMigration rolls back exactly the last applied migration.
func RollbackMigration(db *sql.DB, migrationsPath string) error {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: rollback: %w", err)
	}
	return nil
}

// GetMigrationVersion returns the current schema version and whether
// the last migration left the database in a dirty state.
func GetMigrationVersion(db *sql.DB, migrationsPath string) (uint, bool, error) {
	m, err := migrateInstance(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("database: version: %w", err)
	}
	return version, dirty, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
