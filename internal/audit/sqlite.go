package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure Go driver, CGO-free
)

// SQLiteSink persists audit records to a local SQLite database in WAL mode.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and migrates) a SQLite-backed audit sink at dsn.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		kind         TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		client_id    TEXT,
		tool_name    TEXT,
		status       TEXT NOT NULL,
		duration_ms  INTEGER,
		error        TEXT,
		detail       TEXT,
		created_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_records(execution_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Write inserts rec as a new row.
func (s *SQLiteSink) Write(ctx context.Context, rec Record) error {
	var detail string
	if len(rec.Detail) > 0 {
		detail = string(rec.Detail)
	}
	var query string
	if len(rec.Query) > 0 {
		b, err := json.Marshal(rec.Query)
		if err != nil {
			return fmt.Errorf("marshal query: %w", err)
		}
		query = string(b)
	}
	if query != "" && detail == "" {
		detail = query
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (kind, execution_id, client_id, tool_name, status, duration_ms, error, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Kind, rec.ExecutionID, rec.ClientID, rec.ToolName, rec.Status, rec.DurationMs, rec.Error, detail, rec.Timestamp)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
