// ABOUTME: Core SQLite store for the plughost backend.
// ABOUTME: Handles database initialization, migrations, and connection management for request logs and claims.

package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Migration version constants
const (
	MigrationV1 = 1 // Initial schema with request_logs table
	MigrationV2 = 2 // Composite indexes for aggregation and filtering queries
	MigrationV3 = 3 // session_claims ledger
)

// CurrentSchemaVersion is the target version for the database schema
const CurrentSchemaVersion = MigrationV3

type Store struct {
	db *sql.DB
}

// fileParams apply to every pooled connection, unlike a PRAGMA run once through the pool.
const fileParams = "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += fileParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pooling. Every connection to :memory: is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	return s.getCurrentMigrationVersion()
}

// migrate runs all pending migrations
func (s *Store) migrate() error {
	if err := s.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentMigrationVersion()
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Printf("Database schema version: %d, target version: %d", currentVersion, CurrentSchemaVersion)

	migrations := []struct {
		version int
		apply   func() error
	}{
		{MigrationV1, s.migrateV1},
		{MigrationV2, s.migrateV2},
		{MigrationV3, s.migrateV3},
	}
	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		if err := m.apply(); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}
	}

	return nil
}

// createMigrationsTable creates the schema_migrations tracking table
func (s *Store) createMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`)
	return err
}

// getCurrentMigrationVersion retrieves the current schema version
func (s *Store) getCurrentMigrationVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations
	`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// recordMigration records a completed migration
func (s *Store) recordMigration(version int, description string) error {
	_, err := s.db.Exec(`
		INSERT INTO schema_migrations (version, description)
		VALUES (?, ?)
	`, version, description)
	return err
}

// migrateV1 creates the request_logs table and its basic indexes
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		route TEXT DEFAULT '',
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER,
		duration_ms INTEGER,
		ticket_fingerprint TEXT,
		ip_address TEXT,
		user_agent TEXT,
		request_body TEXT,
		response_body TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_request_logs_path ON request_logs(path);
	CREATE INDEX IF NOT EXISTS idx_request_logs_status ON request_logs(status_code);
	CREATE INDEX IF NOT EXISTS idx_request_logs_route ON request_logs(route);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if err := s.recordMigration(MigrationV1, "Create request_logs table and indexes"); err != nil {
		return err
	}

	log.Printf("Applied migration v%d: Create request_logs table and indexes", MigrationV1)
	return nil
}

// migrateV2 adds composite indexes for aggregation and filtering queries
func (s *Store) migrateV2() error {
	indexes := []string{
		// GetTopEndpoints groups by path
		"CREATE INDEX IF NOT EXISTS idx_request_logs_path_count ON request_logs(path, status_code)",

		// GetRouteRequestCount and GetRouteErrorRate filter by route and time
		"CREATE INDEX IF NOT EXISTS idx_request_logs_route_timestamp ON request_logs(route, timestamp DESC)",

		// GetRequestLogs multi-column filtering
		"CREATE INDEX IF NOT EXISTS idx_request_logs_route_method_status ON request_logs(route, method, status_code)",

		// Ticket lookups; anonymous requests are left out of the index
		"CREATE INDEX IF NOT EXISTS idx_request_logs_ticket ON request_logs(ticket_fingerprint) WHERE ticket_fingerprint != ''",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := s.recordMigration(MigrationV2, "Add composite indexes for aggregation and filtering queries"); err != nil {
		return err
	}

	log.Printf("Applied migration v%d: Add composite indexes for query optimization", MigrationV2)
	return nil
}

// migrateV3 creates the session_claims ledger
func (s *Store) migrateV3() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		ticket_fingerprint TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		upstream_status INTEGER DEFAULT 0,
		upstream_code TEXT DEFAULT '',
		duration_ms INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_session_claims_ticket ON session_claims(ticket_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_session_claims_outcome ON session_claims(outcome, timestamp DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if err := s.recordMigration(MigrationV3, "Create session_claims ledger"); err != nil {
		return err
	}

	log.Printf("Applied migration v%d: Create session_claims ledger", MigrationV3)
	return nil
}
