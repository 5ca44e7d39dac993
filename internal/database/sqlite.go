package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// New opens (or creates) the SQLite database at dbPath and applies the schema.
func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports one writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, dialect: DialectSQLite}
	if err := db.migrate(sqliteSchema); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("[Database] SQLite ready at %s", dbPath)
	return db, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		target_price TEXT,
		poll_interval_minutes INTEGER NOT NULL DEFAULT 0,
		pref_stock_change BOOLEAN NOT NULL DEFAULT 1,
		pref_price_drop BOOLEAN NOT NULL DEFAULT 1,
		pref_target_price BOOLEAN NOT NULL DEFAULT 1,
		pref_lowest_ever BOOLEAN NOT NULL DEFAULT 1,
		channels TEXT NOT NULL DEFAULT '[]',
		auto_add_enabled BOOLEAN NOT NULL DEFAULT 0,
		auto_add_quantity INTEGER NOT NULL DEFAULT 1,
		auto_add_max_price TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		last_checked_at DATETIME,
		next_check_at DATETIME,
		consecutive_failure_count INTEGER NOT NULL DEFAULT 0,
		consecutive_soft_blocks INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		disabled_reason TEXT,
		lowest_price TEXT,
		snapshot_in_stock BOOLEAN,
		snapshot_price TEXT,
		snapshot_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_due ON products(active, status, next_check_at)`,
	`CREATE TABLE IF NOT EXISTS check_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		check_id TEXT NOT NULL,
		product_id INTEGER NOT NULL REFERENCES products(id),
		outcome TEXT NOT NULL,
		reason TEXT,
		status_code INTEGER,
		in_stock BOOLEAN,
		price TEXT,
		checked_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_check_history_product ON check_history(product_id, checked_at)`,
	`CREATE TABLE IF NOT EXISTS snapshot_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id),
		check_id TEXT NOT NULL,
		in_stock BOOLEAN NOT NULL,
		price TEXT,
		captured_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_history_product ON snapshot_history(product_id, captured_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		check_id TEXT NOT NULL,
		product_id INTEGER NOT NULL REFERENCES products(id),
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		status TEXT NOT NULL,
		channels_sent TEXT NOT NULL DEFAULT '[]',
		error TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_product ON alerts(product_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS basket_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id),
		check_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		price TEXT,
		quantity INTEGER NOT NULL,
		message TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduler_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		selected INTEGER NOT NULL DEFAULT 0,
		checked INTEGER NOT NULL DEFAULT 0,
		changed INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}
