// Package audit provides a SQLite-backed audit trail of pipeline
// operations. Every lifecycle transition, dispatch, and failure is
// recorded so operators can reconstruct what happened to a scan.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventType represents the type of audit event.
type EventType string

const (
	// Submission events
	EventSubmissionAccepted EventType = "submission_accepted"
	EventSubmissionRejected EventType = "submission_rejected"
	EventDispatched         EventType = "dispatched"
	EventDispatchFailed     EventType = "dispatch_failed"
	EventRedispatched       EventType = "redispatched"

	// Pipeline events
	EventPipelineStarted   EventType = "pipeline_started"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventPipelineFailed    EventType = "pipeline_failed"

	// Report events
	EventReportCompiled EventType = "report_compiled"
	EventPDFRendered    EventType = "pdf_rendered"
)

// Event is one audit record.
type Event struct {
	ID        int64             `json:"id"`
	Type      EventType         `json:"type"`
	ScanID    string            `json:"scan_id,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Logger records audit events in SQLite.
type Logger struct {
	db *sql.DB
}

// NewLogger opens (or creates) the audit database at path.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		scan_id TEXT,
		stage TEXT,
		message TEXT,
		details TEXT,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_scan_id ON events(scan_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}

	return &Logger{db: db}, nil
}

// Close closes the database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// Record writes one event. Details are stored as JSON.
func (l *Logger) Record(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}
	_, err := l.db.Exec(
		`INSERT INTO events (type, scan_id, stage, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Type), e.ScanID, e.Stage, e.Message, string(details), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListByScan returns all events for one scan, oldest first.
func (l *Logger) ListByScan(scanID string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, type, scan_id, stage, message, details, timestamp FROM events WHERE scan_id = ? ORDER BY id`,
		scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentFailures returns the most recent failure events, newest first.
func (l *Logger) RecentFailures(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, type, scan_id, stage, message, details, timestamp FROM events
		 WHERE type IN (?, ?, ?, ?) ORDER BY id DESC LIMIT ?`,
		string(EventStageFailed), string(EventPipelineFailed),
		string(EventDispatchFailed), string(EventSubmissionRejected),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var details sql.NullString
		var stage, scanID, message sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &scanID, &stage, &message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.ScanID = scanID.String
		e.Stage = stage.String
		e.Message = message.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
