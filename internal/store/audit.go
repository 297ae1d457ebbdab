package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// AuditEntry is one recorded selector exchange with a language model.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	Symbol     string
	Timeframe  string
	Provider   string
	Prompt     string
	Response   string
	Outcome    string // "accepted", "fallback" or "error"
	Error      string
	DurationMS int64
}

// AuditLog stores AuditEntry rows in SQLite.
type AuditLog struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS llm_audit_log (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	provider    TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	response    TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_audit_symbol ON llm_audit_log(symbol, timestamp);
`

// OpenAuditLog opens (or creates) the SQLite database at path and ensures
// the audit table exists. Use ":memory:" for an in-process database.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Close closes the underlying database connection.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record inserts e, filling ID and Timestamp when empty.
func (a *AuditLog) Record(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO llm_audit_log (id, timestamp, symbol, timeframe, provider, prompt, response, outcome, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Symbol, e.Timeframe, e.Provider,
		e.Prompt, e.Response, e.Outcome, e.Error, e.DurationMS)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for symbol, newest first. An empty
// symbol matches every row.
func (a *AuditLog) Recent(ctx context.Context, symbol string, limit int) ([]AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, timestamp, symbol, timeframe, provider, prompt, response, outcome, error, duration_ms
		FROM llm_audit_log
		WHERE ? = '' OR symbol = ?
		ORDER BY timestamp DESC
		LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Symbol, &e.Timeframe, &e.Provider,
			&e.Prompt, &e.Response, &e.Outcome, &errMsg, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", ts, err)
		}
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}
