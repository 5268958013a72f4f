package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	logger *zap.Logger
}

func New(storagePath string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", storagePath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{
		DB:     db,
		logger: logger,
	}

	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connection established", zap.String("path", storagePath))
	return database, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// Tracked items, stored as JSON snapshots
		`CREATE TABLE IF NOT EXISTS tracked_items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT,
			favourite INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_item_archives (
			item_id TEXT NOT NULL,
			archive_number INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (item_id, archive_number)
		)`,
		// Deletion times, so older changes from other devices cannot
		// bring an item back
		`CREATE TABLE IF NOT EXISTS item_tombstones (
			item_id TEXT PRIMARY KEY,
			deleted_at INTEGER NOT NULL
		)`,
		// Device identity
		`CREATE TABLE IF NOT EXISTS device_info (
			id INTEGER PRIMARY KEY,
			device_id TEXT UNIQUE NOT NULL,
			device_name TEXT,
			private_key TEXT NOT NULL,
			thumbprint TEXT NOT NULL,
			registered_at INTEGER NOT NULL,
			last_sync_at INTEGER
		)`,
		// Outbound sync events waiting for delivery
		`CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			device_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_events_device ON pending_events(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_events_created ON pending_events(created_at)`,
		// Events received by the sync ingest server
		`CREATE TABLE IF NOT EXISTS sync_events (
			event_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			event_type TEXT NOT NULL,
			item_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT,
			received_at INTEGER NOT NULL,
			PRIMARY KEY (subject, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_subject_received ON sync_events(subject, received_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.logger.Info("Database migrations completed")
	return nil
}

func (db *DB) Close() error {
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.logger.Info("Database connection closed")
	return nil
}
