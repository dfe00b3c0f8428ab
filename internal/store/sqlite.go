package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global ledger connection.
var DB *sql.DB

// InitDB opens the ledger database and creates its tables.
func InitDB(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func CloseDB() error {
	if DB != nil {
		err := DB.Close()
		DB = nil
		return err
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS sandbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sandbox TEXT NOT NULL,
			action TEXT NOT NULL,
			from_mode TEXT DEFAULT '',
			to_mode TEXT DEFAULT '',
			enforced BOOLEAN DEFAULT 1,
			detail TEXT DEFAULT '',
			op_id TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sandbox_events table: %w", err)
	}

	_, err = DB.Exec(`CREATE INDEX IF NOT EXISTS idx_sandbox_events_sandbox ON sandbox_events(sandbox, id)`)
	if err != nil {
		return fmt.Errorf("failed to create sandbox_events index: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS proxy_sessions (
			id TEXT PRIMARY KEY,
			sandbox TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			remote_addr TEXT DEFAULT '',
			command TEXT DEFAULT '',
			log_path TEXT DEFAULT '',
			bytes_out INTEGER DEFAULT 0,
			exit_status INTEGER,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create proxy_sessions table: %w", err)
	}

	_, err = DB.Exec(`CREATE INDEX IF NOT EXISTS idx_proxy_sessions_sandbox ON proxy_sessions(sandbox, started_at)`)
	if err != nil {
		return fmt.Errorf("failed to create proxy_sessions index: %w", err)
	}
	return nil
}
