// Execution record types shared between the orchestrator and the task queue.
//
// ExecutionContext is created per invocation. ExecutionResult is the outcome
// of a synchronous or streaming call; TaskResult is the richer record kept by
// the task queue for queued executions. Once a record reaches a terminal
// status it is never mutated again.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an execution or task.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusRetry     ExecutionStatus = "retry"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusTimeout   ExecutionStatus = "timeout"
)

// IsTerminal returns true once no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Priority orders tasks in the queue. CRITICAL beats HIGH beats NORMAL
// beats LOW regardless of arrival order; FIFO applies within a tier.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// PriorityFromLevel maps the 1..10 numeric priority from ExecutionConfig
// onto queue tiers (1-2 critical, 3-4 high, 5-7 normal, 8-10 low).
func PriorityFromLevel(level int) Priority {
	switch {
	case level <= 2:
		return PriorityCritical
	case level <= 4:
		return PriorityHigh
	case level <= 7:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ExecutionContext carries per-invocation metadata supplied by the caller.
// Identity and correlation values are passed through untouched; the core
// performs no authentication.
type ExecutionContext struct {
	ExecutionID   string            `json:"execution_id"`
	CapabilityID  string            `json:"capability_id"`
	UserID        string            `json:"user_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// HandlerOverride substitutes the registered handler for this single
	// invocation. Dependency injection escape hatch for tests and adapters.
	HandlerOverride Handler `json:"-"`
}

// NewExecutionContext creates a context with a generated execution ID.
func NewExecutionContext(capabilityID string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:  uuid.NewString(),
		CapabilityID: capabilityID,
		StartedAt:    time.Now().UTC(),
	}
}

// Handler is the external contract the core consumes: a callable accepting
// validated parameters and returning a serializable value or an error.
type Handler func(ctx context.Context, call *Call) (any, error)

// ProgressFunc receives progress updates from a running handler.
type ProgressFunc func(percent float64, message string)

// EmitFunc receives progressive partial results from a streaming handler.
type EmitFunc func(partial any, percent float64, message string)

// Call is what a handler receives: the validated input plus hooks for
// progress reporting and, for streaming capabilities, partial results.
type Call struct {
	// Input is the validated input with schema defaults applied
	Input map[string]any

	// Context is the per-invocation metadata
	Context *ExecutionContext

	progress ProgressFunc
	emit     EmitFunc
}

// NewCall builds a Call. The progress and emit hooks are wired by the
// runtime; either may be nil.
func NewCall(input map[string]any, ec *ExecutionContext, progress ProgressFunc, emit EmitFunc) *Call {
	return &Call{Input: input, Context: ec, progress: progress, emit: emit}
}

// ReportProgress updates execution progress. No-op when the execution
// mode has no progress channel.
func (c *Call) ReportProgress(percent float64, message string) {
	if c.progress != nil {
		c.progress(percent, message)
	}
}

// Emit pushes a progressive partial result. No-op outside streaming mode.
func (c *Call) Emit(partial any, percent float64, message string) {
	if c.emit != nil {
		c.emit(partial, percent, message)
	}
}

// TraceEntry is one ordered lifecycle annotation on a result record.
type TraceEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Status    ExecutionStatus `json:"status"`
	Note      string          `json:"note,omitempty"`
}

// ExecutionResult is the outcome record of a capability invocation.
type ExecutionResult struct {
	ExecutionID  string          `json:"execution_id"`
	CapabilityID string          `json:"capability_id"`
	Status       ExecutionStatus `json:"status"`
	Result       any             `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message,omitempty"`

	Trace []TraceEntry `json:"trace,omitempty"`
}

// DurationMS returns the execution duration in milliseconds, or nil until
// both timestamps are set.
func (r *ExecutionResult) DurationMS() *int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	ms := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	return &ms
}

// AddTrace appends a lifecycle annotation.
func (r *ExecutionResult) AddTrace(status ExecutionStatus, note string) {
	r.Trace = append(r.Trace, TraceEntry{Timestamp: time.Now().UTC(), Status: status, Note: note})
}

// TaskResult is the outcome record of a queued execution. It extends
// ExecutionResult with queue bookkeeping: priority, retry accounting,
// and scheduling times.
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	CapabilityID string          `json:"capability_id"`
	Status       ExecutionStatus `json:"status"`

	// Input is retained so failed attempts can be retried as-is
	Input map[string]any `json:"input,omitempty"`

	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	Priority  Priority   `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	ETA       *time.Time `json:"eta,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	Trace []TraceEntry `json:"trace,omitempty"`

	Context *ExecutionContext `json:"context,omitempty"`
}

// DurationMS returns the task duration in milliseconds, or nil until both
// timestamps are set.
func (t *TaskResult) DurationMS() *int64 {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return nil
	}
	ms := t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
	return &ms
}

// AddTrace appends a lifecycle annotation.
func (t *TaskResult) AddTrace(status ExecutionStatus, note string) {
	t.Trace = append(t.Trace, TraceEntry{Timestamp: time.Now().UTC(), Status: status, Note: note})
}

// ToExecutionResult projects the task record onto the ExecutionResult shape
// consumed by transport adapters.
func (t *TaskResult) ToExecutionResult() *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:     t.TaskID,
		CapabilityID:    t.CapabilityID,
		Status:          t.Status,
		Result:          t.Result,
		Error:           t.Error,
		ErrorType:       t.ErrorType,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ProgressPercent: t.ProgressPercent,
		ProgressMessage: t.ProgressMessage,
		Trace:           t.Trace,
	}
}
