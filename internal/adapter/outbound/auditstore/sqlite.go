package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datacline/mcp-gateway/internal/domain/audit"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	request_id      TEXT,
	subject         TEXT NOT NULL,
	action          TEXT NOT NULL,
	server          TEXT,
	tool            TEXT,
	parameters      TEXT,
	status          TEXT NOT NULL,
	policy_decision TEXT,
	duration_ms     INTEGER,
	upstream_status TEXT,
	error           TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`

// SQLiteStore mirrors audit events into an append-only local SQLite
// database for history queries that outlive log rotation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// The store is written from one process; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record implements audit.Sink.
func (s *SQLiteStore) Record(ctx context.Context, event *audit.Event) error {
	if !audit.KnownEventType(event.EventType) {
		return fmt.Errorf("%w: %s", audit.ErrUnknownEventType, event.EventType)
	}
	var params any
	if len(event.Parameters) > 0 {
		raw, err := json.Marshal(event.Parameters)
		if err != nil {
			return fmt.Errorf("encode audit parameters: %w", err)
		}
		params = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(timestamp, event_type, request_id, subject, action, server, tool,
			 parameters, status, policy_decision, duration_ms, upstream_status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		string(event.EventType),
		nullable(event.RequestID),
		event.Subject,
		event.Action,
		nullable(event.Server),
		nullable(event.Tool),
		params,
		string(event.Status),
		nullable(event.PolicyDecision),
		event.DurationMS,
		nullable(event.UpstreamStatus),
		nullable(event.Error),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, event_type, request_id, subject, action, server, tool,
		       parameters, status, policy_decision, duration_ms, upstream_status, error
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var (
			ev        audit.Event
			ts        string
			eventType string
			status    string
			requestID, server, tool, params, decision, upstream, errMsg sql.NullString
		)
		if err := rows.Scan(&ts, &eventType, &requestID, &ev.Subject, &ev.Action,
			&server, &tool, &params, &status, &decision, &ev.DurationMS, &upstream, &errMsg); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.EventType = audit.EventType(eventType)
		ev.Status = audit.Status(status)
		ev.RequestID = requestID.String
		ev.Server = server.String
		ev.Tool = tool.String
		ev.PolicyDecision = decision.String
		ev.UpstreamStatus = upstream.String
		ev.Error = errMsg.String
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &ev.Parameters)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Close implements audit.Sink.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ audit.Sink = (*SQLiteStore)(nil)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
