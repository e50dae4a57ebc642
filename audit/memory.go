package audit

import (
	"context"
	"sync"
)

// MemoryLogger is the bounded in-memory audit log. Once MaxEvents is
// exceeded the oldest events are evicted FIFO, atomically with the
// execution index so no reader ever observes a dangling reference.
type MemoryLogger struct {
	mu        sync.RWMutex
	events    []*Event // append order, oldest first
	byExec    map[string][]*Event
	maxEvents int
}

// DefaultMaxEvents bounds the in-memory logger when no limit is configured.
const DefaultMaxEvents = 10000

// NewMemoryLogger creates a bounded in-memory audit logger.
func NewMemoryLogger(maxEvents int) *MemoryLogger {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryLogger{
		byExec:    make(map[string][]*Event),
		maxEvents: maxEvents,
	}
}

// Log appends the event and evicts the oldest entries past the bound.
func (l *MemoryLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if event.ExecutionID != "" {
		l.byExec[event.ExecutionID] = append(l.byExec[event.ExecutionID], event)
	}

	for len(l.events) > l.maxEvents {
		l.evictOldestLocked()
	}
	return nil
}

// evictOldestLocked removes the oldest event and its index entry.
// Caller must hold the write lock.
func (l *MemoryLogger) evictOldestLocked() {
	oldest := l.events[0]
	l.events[0] = nil
	l.events = l.events[1:]

	if oldest.ExecutionID == "" {
		return
	}
	indexed := l.byExec[oldest.ExecutionID]
	for i, e := range indexed {
		if e == oldest {
			indexed = append(indexed[:i], indexed[i+1:]...)
			break
		}
	}
	if len(indexed) == 0 {
		delete(l.byExec, oldest.ExecutionID)
	} else {
		l.byExec[oldest.ExecutionID] = indexed
	}
}

// Query returns matching events, most recent first.
func (l *MemoryLogger) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Event
	skipped := 0
	// Walk newest to oldest so pagination counts recent events first.
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ExecutionTrace returns the full lifecycle of one execution in
// chronological order. Evicted executions yield an empty slice.
func (l *MemoryLogger) ExecutionTrace(ctx context.Context, executionID string) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indexed := l.byExec[executionID]
	// Index preserves append order, which is ascending by timestamp.
	out := make([]*Event, len(indexed))
	copy(out, indexed)
	return out, nil
}

// Count returns the number of matching events.
func (l *MemoryLogger) Count(ctx context.Context, filter Filter) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, e := range l.events {
		if filter.Matches(e) {
			count++
		}
	}
	return count, nil
}

// Len returns the number of retained events.
func (l *MemoryLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

var _ Logger = (*MemoryLogger)(nil)
