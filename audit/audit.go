// Package audit provides the append-only execution audit log.
//
// Every lifecycle transition of an execution is recorded as one Event when
// the capability's audit config enables it. Two implementations share one
// interface: a bounded in-memory logger with FIFO eviction, and a SQLite
// persistent logger for durable retention.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when no events match a trace lookup.
var ErrEventNotFound = errors.New("audit event not found")

// EventType identifies the lifecycle transition an event records.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventRetry     EventType = "retry"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventTimeout   EventType = "timeout"
	EventCancelled EventType = "cancelled"
	EventRejected  EventType = "rejected"
)

// Event is an immutable record of one lifecycle transition. Events are
// append-only; only bulk eviction ever removes one.
type Event struct {
	ExecutionID   string    `json:"execution_id"`
	CapabilityID  string    `json:"capability_id"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Type          EventType `json:"event_type"`

	Input  map[string]any `json:"input,omitempty"`
	Output any            `json:"output,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	DurationMS *int64 `json:"duration_ms,omitempty"`

	// Symbol is the business subject of the execution (e.g. a ticker),
	// extracted for filtered queries.
	Symbol string `json:"symbol,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Filter selects events for Query and Count. Zero fields match everything.
type Filter struct {
	ExecutionID  string
	CapabilityID string
	UserID       string
	Type         EventType
	Symbol       string
	Since        time.Time
	Until        time.Time

	// Limit caps the result set; 0 means no limit
	Limit int

	// Offset skips results for pagination
	Offset int
}

// Matches reports whether the event satisfies every set filter field.
// Limit and Offset are applied by the caller.
func (f Filter) Matches(e *Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.CapabilityID != "" && e.CapabilityID != f.CapabilityID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Symbol != "" && e.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Logger is the audit log contract. Implementations must be safe for
// unbounded concurrent writers.
type Logger interface {
	// Log appends an event. Never mutates previously logged events.
	Log(ctx context.Context, event *Event) error

	// Query returns matching events, most recent first, honoring
	// pagination via Filter.Limit and Filter.Offset.
	Query(ctx context.Context, filter Filter) ([]*Event, error)

	// ExecutionTrace returns all events for one execution sorted
	// ascending by timestamp: the full lifecycle in chronological order.
	ExecutionTrace(ctx context.Context, executionID string) ([]*Event, error)

	// Count returns the number of matching events without materializing
	// the result set.
	Count(ctx context.Context, filter Filter) (int, error)
}

// NopLogger discards every event. Used when auditing is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error                        { return nil }
func (NopLogger) Query(context.Context, Filter) ([]*Event, error)          { return nil, nil }
func (NopLogger) ExecutionTrace(context.Context, string) ([]*Event, error) { return nil, nil }
func (NopLogger) Count(context.Context, Filter) (int, error)               { return 0, nil }
