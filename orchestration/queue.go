// Package orchestration executes registered capabilities: synchronously,
// through the priority task queue, or as a progressive stream.
//
// The TaskQueue interface has two implementations: MemoryTaskQueue, the
// in-process default built on container/heap with a worker pool, and
// RedisTaskQueue, the distributed alternative backed by Redis lists.
package orchestration

import (
	"context"
	"time"

	"github.com/finsight/capcore/core"
)

// EnqueueOptions override per-task scheduling for a single submission.
type EnqueueOptions struct {
	// ETA delays eligibility until the given time. The task stays
	// PENDING and is not dispatched before it, regardless of priority.
	ETA *time.Time

	// Countdown is a relative alternative to ETA
	Countdown time.Duration

	// Priority overrides the capability's configured priority tier
	Priority *core.Priority

	// MaxRetries overrides the capability's configured retry bound
	MaxRetries *int
}

// eligibleAt resolves the first moment the task may be dispatched.
func (o *EnqueueOptions) eligibleAt(now time.Time) time.Time {
	if o == nil {
		return now
	}
	if o.ETA != nil {
		return *o.ETA
	}
	if o.Countdown > 0 {
		return now.Add(o.Countdown)
	}
	return now
}

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	CapabilityID string
	Status       core.ExecutionStatus

	// Limit caps the result set; 0 falls back to 100
	Limit int
}

// TaskQueue is the priority-ordered store of asynchronous executions.
// Implementations must be safe for concurrent use.
type TaskQueue interface {
	// Enqueue creates a task and returns its record immediately.
	// Validation has already happened in the orchestrator.
	Enqueue(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext, opts *EnqueueOptions) (*core.TaskResult, error)

	// GetTask returns the current record for a task, or
	// core.ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*core.TaskResult, error)

	// UpdateProgress mutates the live record of an in-flight task.
	// Returns core.ErrTaskTerminal once the task has finished.
	UpdateProgress(ctx context.Context, taskID string, percent float64, message string) error

	// Cancel requests a CANCELLED transition. Returns false for unknown
	// or already-terminal tasks without altering their stored result.
	// Cancellation of a RUNNING task is cooperative.
	Cancel(ctx context.Context, taskID string) bool

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*core.TaskResult, error)

	// Cleanup removes terminal tasks older than maxAge and returns the
	// count removed. Active tasks are never touched.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

	// Start launches the worker pool. Returns immediately.
	Start(ctx context.Context) error

	// Stop drains the worker pool, waiting up to the shutdown timeout
	// for in-flight tasks.
	Stop(ctx context.Context) error
}
