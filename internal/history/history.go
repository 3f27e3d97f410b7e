// ABOUTME: SQLite-backed history of agent lifecycle and settings events
// ABOUTME: Append-only log with filtered listing, using modernc.org/sqlite

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Recorded actions. The schema enforces this set so stray writers cannot
// pollute the log.
const (
	ActionStarted             = "agent_started"
	ActionStartFailed         = "agent_start_failed"
	ActionStopped             = "agent_stopped"
	ActionStopFailed          = "agent_stop_failed"
	ActionSettingsSaved       = "settings_saved"
	ActionEnabledChanged      = "enabled_changed"
	ActionSettingsFileChanged = "settings_file_changed"
)

// Event is a single history entry.
type Event struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	Since  *time.Time // events at or after this time
	Action string     // exact action match; empty means all
	Limit  int        // default 100, capped at 1000
}

// Log is the append-only event store. Append failures are surfaced to the
// caller for logging but are never fatal to the operation that produced
// the event.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the history database at path, creating parent
// directories and the schema as needed.
func Open(path string, logger *slog.Logger) (*Log, error) {
	logger = logger.With("component", "history")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// WAL keeps readers (the history endpoint) off the writers' backs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Log{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history log opened", "path", path)
	return l, nil
}

func (l *Log) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_events (
			event_id    TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'agent_started',
				'agent_start_failed',
				'agent_stopped',
				'agent_stop_failed',
				'settings_saved',
				'enabled_changed',
				'settings_file_changed'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_events_ts ON agent_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_agent_events_action ON agent_events(action);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	l.logger.Debug("closing history log")
	return l.db.Close()
}

// Append adds an event, generating ID and timestamp when unset.
func (l *Log) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO agent_events (event_id, action, ts, detail_json)
		VALUES (?, ?, ?, ?)
	`, e.ID, e.Action, e.Timestamp.UTC().Format(time.RFC3339), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	l.logger.Debug("appended event", "id", e.ID, "action", e.Action)
	return nil
}

// RecordEvent implements the supervisor's Recorder: best-effort append
// with failures logged rather than propagated.
func (l *Log) RecordEvent(ctx context.Context, action string, detail map[string]any) {
	if err := l.Append(ctx, &Event{Action: action, Detail: detail}); err != nil {
		l.logger.Error("recording event failed", "action", action, "error", err)
	}
}

// normalizeLimit applies the default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// List returns events matching the filter, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Event, error) {
	limit := normalizeLimit(f.Limit)

	var sinceStr *string
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &s
	}
	var actionStr *string
	if f.Action != "" {
		a := f.Action
		actionStr = &a
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, action, ts, detail_json
		FROM agent_events
		WHERE (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR action = ?)
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, sinceStr, sinceStr, actionStr, actionStr, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var tsStr string
		var detailJSON *string

		if err := rows.Scan(&e.ID, &e.Action, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling event detail: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}
