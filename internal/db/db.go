// Package db opens the SQLite file behind the action ledger.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ledgerSchema holds handler call records only. Light state stays in memory.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS event_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	payload TEXT,
	source TEXT
);
CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_ledger_source_ts ON event_ledger(source, timestamp);
`

// DB is a migrated ledger database.
type DB struct {
	*sql.DB
}

// Open opens path in WAL mode and creates the ledger tables if missing.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db %s: %w", path, err)
	}
	if _, err := conn.Exec(ledgerSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger db %s: %w", path, err)
	}
	return &DB{conn}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
