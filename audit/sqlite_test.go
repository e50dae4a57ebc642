package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteLoggerRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLogger(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	duration := int64(420)
	event := &Event{
		ExecutionID:   "exec-1",
		CapabilityID:  "screen-momentum",
		UserID:        "u1",
		CorrelationID: "corr-9",
		Type:          EventCompleted,
		Input:         map[string]any{"symbol": "AAPL", "limit": float64(20)},
		Output:        map[string]any{"matches": float64(3)},
		DurationMS:    &duration,
		Symbol:        "AAPL",
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := l.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events, err := l.Query(ctx, Filter{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.CapabilityID != "screen-momentum" || got.Type != EventCompleted {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.UserID != "u1" || got.CorrelationID != "corr-9" || got.Symbol != "AAPL" {
		t.Errorf("context fields lost: %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 420 {
		t.Errorf("expected duration 420, got %v", got.DurationMS)
	}
	if got.Input["symbol"] != "AAPL" {
		t.Errorf("input payload lost: %v", got.Input)
	}
	output, ok := got.Output.(map[string]any)
	if !ok || output["matches"] != float64(3) {
		t.Errorf("output payload lost: %v", got.Output)
	}
}

func TestSQLiteLoggerNullDuration(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLogger(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	if err := l.Log(ctx, &Event{ExecutionID: "e", CapabilityID: "c", Type: EventQueued}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	events, err := l.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 || events[0].DurationMS != nil {
		t.Errorf("expected nil duration, got %+v", events)
	}
}

func TestSQLiteLoggerFiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLogger(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	seed := []*Event{
		{ExecutionID: "e1", CapabilityID: "screen", Type: EventQueued, Symbol: "AAPL", Timestamp: base},
		{ExecutionID: "e1", CapabilityID: "screen", Type: EventCompleted, Symbol: "AAPL", Timestamp: base.Add(time.Second)},
		{ExecutionID: "e2", CapabilityID: "risk", Type: EventFailed, UserID: "u7", Timestamp: base.Add(2 * time.Second)},
		{ExecutionID: "e3", CapabilityID: "screen", Type: EventCompleted, Symbol: "MSFT", Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range seed {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by capability", Filter{CapabilityID: "screen"}, 3},
		{"by type", Filter{Type: EventCompleted}, 2},
		{"by symbol", Filter{Symbol: "AAPL"}, 2},
		{"by user", Filter{UserID: "u7"}, 1},
		{"since", Filter{Since: base.Add(2 * time.Second)}, 2},
		{"until", Filter{Until: base.Add(time.Second)}, 2},
		{"no match", Filter{CapabilityID: "unknown"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := l.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("Query: expected %d, got %d", tt.want, len(events))
			}

			count, err := l.Count(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Count failed: %v", err)
			}
			if count != tt.want {
				t.Errorf("Count disagrees with Query: %d vs %d", count, tt.want)
			}
		})
	}

	// Most recent first, with limit and offset.
	page, err := l.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(page) != 2 || page[0].ExecutionID != "e3" || page[1].ExecutionID != "e2" {
		t.Errorf("expected [e3 e2], got %v", executionIDs(page))
	}

	page, err = l.Query(ctx, Filter{Offset: 3})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(page) != 1 || page[0].ExecutionID != "e1" {
		t.Errorf("offset-only query: expected [e1], got %v", executionIDs(page))
	}
}

func TestSQLiteLoggerExecutionTrace(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLogger(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteLogger failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	lifecycle := []EventType{EventQueued, EventStarted, EventRetry, EventStarted, EventFailed}
	for i, eventType := range lifecycle {
		e := &Event{
			ExecutionID:  "exec-1",
			CapabilityID: "backtest",
			Type:         eventType,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		}
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	trace, err := l.ExecutionTrace(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ExecutionTrace failed: %v", err)
	}
	if len(trace) != len(lifecycle) {
		t.Fatalf("expected %d events, got %d", len(lifecycle), len(trace))
	}
	for i, want := range lifecycle {
		if trace[i].Type != want {
			t.Errorf("position %d: expected %s, got %s", i, want, trace[i].Type)
		}
	}

	trace, err = l.ExecutionTrace(ctx, "unknown")
	if err != nil {
		t.Fatalf("ExecutionTrace failed: %v", err)
	}
	if len(trace) != 0 {
		t.Errorf("expected empty trace for unknown execution, got %d", len(trace))
	}
}

func TestSQLiteLoggerSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if _, err := NewSQLiteLogger(db); err != nil {
		t.Fatalf("first NewSQLiteLogger failed: %v", err)
	}
	if _, err := NewSQLiteLogger(db); err != nil {
		t.Fatalf("second NewSQLiteLogger failed: %v", err)
	}
}
