package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLogger persists audit events in SQLite. The caller injects the
// *sql.DB; the logger never opens its own storage connections.
type SQLiteLogger struct {
	db *sql.DB
}

// NewSQLiteLogger creates a SQLite-backed audit logger and ensures schema.
func NewSQLiteLogger(db *sql.DB) (*SQLiteLogger, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteLogger{db: db}, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			user_id TEXT,
			correlation_id TEXT,
			event_type TEXT NOT NULL,
			input_json TEXT,
			output_json TEXT,
			error_text TEXT,
			error_type TEXT,
			duration_ms INTEGER,
			symbol TEXT,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_events(execution_id);
		CREATE INDEX IF NOT EXISTS idx_audit_capability ON audit_events(capability_id);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	`)
	return err
}

// Log appends a single event.
func (l *SQLiteLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	inputJSON, err := encodePayload(event.Input)
	if err != nil {
		return err
	}
	outputJSON, err := encodePayload(event.Output)
	if err != nil {
		return err
	}

	var duration sql.NullInt64
	if event.DurationMS != nil {
		duration = sql.NullInt64{Int64: *event.DurationMS, Valid: true}
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			execution_id, capability_id, user_id, correlation_id, event_type,
			input_json, output_json, error_text, error_type, duration_ms, symbol, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ExecutionID,
		event.CapabilityID,
		event.UserID,
		event.CorrelationID,
		string(event.Type),
		inputJSON,
		outputJSON,
		event.Error,
		event.ErrorType,
		duration,
		event.Symbol,
		ts.UTC(),
	)
	return err
}

// Query returns matching events, most recent first.
func (l *SQLiteLogger) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	where, args := buildWhere(filter)
	query := selectColumns + where + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}
	return l.scanEvents(ctx, query, args)
}

// ExecutionTrace returns all events for one execution in chronological order.
func (l *SQLiteLogger) ExecutionTrace(ctx context.Context, executionID string) ([]*Event, error) {
	query := selectColumns + " WHERE execution_id = ? ORDER BY timestamp ASC, id ASC"
	return l.scanEvents(ctx, query, []any{executionID})
}

// Count returns the number of matching events.
func (l *SQLiteLogger) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := buildWhere(filter)
	var count int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count)
	return count, err
}

const selectColumns = `
	SELECT execution_id, capability_id, user_id, correlation_id, event_type,
	       input_json, output_json, error_text, error_type, duration_ms, symbol, timestamp
	FROM audit_events
`

func buildWhere(filter Filter) (string, []any) {
	var args []any
	where := ""
	add := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.ExecutionID != "" {
		add("execution_id = ?", filter.ExecutionID)
	}
	if filter.CapabilityID != "" {
		add("capability_id = ?", filter.CapabilityID)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.Type != "" {
		add("event_type = ?", string(filter.Type))
	}
	if filter.Symbol != "" {
		add("symbol = ?", filter.Symbol)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("timestamp <= ?", filter.Until.UTC())
	}
	return where, args
}

func (l *SQLiteLogger) scanEvents(ctx context.Context, query string, args []any) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e          Event
			eventType  string
			inputJSON  sql.NullString
			outputJSON sql.NullString
			duration   sql.NullInt64
			ts         time.Time
		)
		if err := rows.Scan(
			&e.ExecutionID,
			&e.CapabilityID,
			&e.UserID,
			&e.CorrelationID,
			&eventType,
			&inputJSON,
			&outputJSON,
			&e.Error,
			&e.ErrorType,
			&duration,
			&e.Symbol,
			&ts,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Timestamp = ts
		if duration.Valid {
			d := duration.Int64
			e.DurationMS = &d
		}
		if inputJSON.Valid && inputJSON.String != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(inputJSON.String), &input); err == nil {
				e.Input = input
			}
		}
		if outputJSON.Valid && outputJSON.String != "" {
			var output any
			if err := json.Unmarshal([]byte(outputJSON.String), &output); err == nil {
				e.Output = output
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func encodePayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return string(data), nil
}

var _ Logger = (*SQLiteLogger)(nil)
