package core

import (
	"errors"
	"testing"
	"time"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []ExecutionStatus{StatusPending, StatusQueued, StatusRunning, StatusRetry}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityFromLevel(t *testing.T) {
	tests := []struct {
		level int
		want  Priority
	}{
		{1, PriorityCritical},
		{2, PriorityCritical},
		{3, PriorityHigh},
		{4, PriorityHigh},
		{5, PriorityNormal},
		{7, PriorityNormal},
		{8, PriorityLow},
		{10, PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityFromLevel(tt.level); got != tt.want {
			t.Errorf("PriorityFromLevel(%d) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestDurationRequiresBothTimestamps(t *testing.T) {
	r := &ExecutionResult{}
	if r.DurationMS() != nil {
		t.Error("expected nil duration with no timestamps")
	}

	started := time.Now().UTC()
	r.StartedAt = &started
	if r.DurationMS() != nil {
		t.Error("expected nil duration with only a start timestamp")
	}

	completed := started.Add(250 * time.Millisecond)
	r.CompletedAt = &completed
	ms := r.DurationMS()
	if ms == nil || *ms != 250 {
		t.Errorf("expected 250ms, got %v", ms)
	}
}

func TestTaskResultProjection(t *testing.T) {
	started := time.Now().UTC()
	completed := started.Add(time.Second)
	task := &TaskResult{
		TaskID:          "t-1",
		CapabilityID:    "screen",
		Status:          StatusCompleted,
		Result:          map[string]any{"count": 3},
		StartedAt:       &started,
		CompletedAt:     &completed,
		ProgressPercent: 100,
		RetryCount:      2,
	}
	task.AddTrace(StatusCompleted, "done")

	r := task.ToExecutionResult()
	if r.ExecutionID != "t-1" || r.CapabilityID != "screen" {
		t.Errorf("identity fields not projected: %+v", r)
	}
	if r.Status != StatusCompleted || r.ProgressPercent != 100 {
		t.Errorf("status fields not projected: %+v", r)
	}
	if len(r.Trace) != 1 {
		t.Errorf("trace not carried over, got %d entries", len(r.Trace))
	}
	if ms := r.DurationMS(); ms == nil || *ms != 1000 {
		t.Errorf("expected 1000ms, got %v", ms)
	}
}

func TestCallHooksAreOptional(t *testing.T) {
	call := NewCall(map[string]any{"x": 1}, nil, nil, nil)
	// Must not panic without hooks wired.
	call.ReportProgress(50, "halfway")
	call.Emit("partial", 10, "")

	var gotPercent float64
	var gotPartial any
	call = NewCall(nil, nil,
		func(percent float64, message string) { gotPercent = percent },
		func(partial any, percent float64, message string) { gotPartial = partial },
	)
	call.ReportProgress(75, "")
	call.Emit("chunk", 80, "")
	if gotPercent != 75 {
		t.Errorf("progress hook not invoked, got %v", gotPercent)
	}
	if gotPartial != "chunk" {
		t.Errorf("emit hook not invoked, got %v", gotPartial)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{CapabilityID: "c"}, ErrorTypeValidation},
		{ErrExecutionTimeout, ErrorTypeTimeout},
		{ErrExecutionCancelled, ErrorTypeCancelled},
		{errors.New("handler blew up"), ErrorTypeExecution},
	}
	for _, tt := range tests {
		if got := ErrorType(tt.err); got != tt.want {
			t.Errorf("ErrorType(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
