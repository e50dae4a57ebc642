package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
	"github.com/finsight/capcore/telemetry"
)

// emitAudit writes one lifecycle event to the audit sink, honoring the
// capability's audit policy. Input and output payloads are included only
// when the capability opts in. Audit failures are swallowed: the execution
// outcome never depends on the sink.
func emitAudit(ctx context.Context, sink audit.Logger, cap *core.Capability, ec *core.ExecutionContext, eventType audit.EventType, input map[string]any, output any, errMsg, errType string, durationMS *int64) {
	if cap == nil || !cap.Audit.Log || sink == nil {
		return
	}

	event := &audit.Event{
		CapabilityID: cap.ID,
		Type:         eventType,
		Error:        errMsg,
		ErrorType:    errType,
		DurationMS:   durationMS,
		Timestamp:    time.Now().UTC(),
	}
	if ec != nil {
		event.ExecutionID = ec.ExecutionID
		event.UserID = ec.UserID
		event.CorrelationID = ec.CorrelationID
	}
	if cap.Audit.LogInput {
		event.Input = input
	}
	if cap.Audit.LogOutput {
		event.Output = output
	}
	if symbol, ok := input["symbol"].(string); ok {
		event.Symbol = symbol
	}

	_ = sink.Log(ctx, event)
}

// EmitTaskQueued records task submission metrics.
func EmitTaskQueued(ctx context.Context, task *core.TaskResult) {
	telemetry.Counter("capcore.tasks.queued",
		"capability_id", task.CapabilityID,
		"priority", task.Priority.String(),
	)
	telemetry.AddSpanEvent(ctx, "task.queued",
		attribute.String("task.id", task.TaskID),
		attribute.String("capability.id", task.CapabilityID),
		attribute.String("task.priority", task.Priority.String()),
	)
}

// EmitTaskStarted records the start of a task attempt.
func EmitTaskStarted(ctx context.Context, taskID, capabilityID, workerID string) {
	telemetry.Counter("capcore.tasks.started",
		"capability_id", capabilityID,
		"worker_id", workerID,
	)
	telemetry.AddSpanEvent(ctx, "task.started",
		attribute.String("task.id", taskID),
		attribute.String("capability.id", capabilityID),
		attribute.String("worker.id", workerID),
	)
}

// EmitTaskCompleted records a successful task with its duration.
func EmitTaskCompleted(ctx context.Context, taskID, capabilityID string, duration time.Duration) {
	telemetry.Counter("capcore.tasks.completed", "capability_id", capabilityID)
	telemetry.Histogram("capcore.task.duration_ms", float64(duration.Milliseconds()),
		"capability_id", capabilityID,
		"status", string(core.StatusCompleted),
	)
	telemetry.AddSpanEvent(ctx, "task.completed",
		attribute.String("task.id", taskID),
		attribute.String("capability.id", capabilityID),
		attribute.Int64("duration.ms", duration.Milliseconds()),
	)
}

// EmitTaskFailed records a terminal failure, timeout, or cancellation that
// ended an attempt.
func EmitTaskFailed(ctx context.Context, taskID, capabilityID, status string, duration time.Duration) {
	telemetry.Counter("capcore.tasks.failed",
		"capability_id", capabilityID,
		"status", status,
	)
	telemetry.Histogram("capcore.task.duration_ms", float64(duration.Milliseconds()),
		"capability_id", capabilityID,
		"status", status,
	)
	telemetry.AddSpanEvent(ctx, "task.failed",
		attribute.String("task.id", taskID),
		attribute.String("capability.id", capabilityID),
		attribute.String("task.status", status),
	)
}

// EmitTaskRetry records a retry being scheduled.
func EmitTaskRetry(ctx context.Context, taskID, capabilityID string, retryCount int) {
	telemetry.Counter("capcore.tasks.retried", "capability_id", capabilityID)
	telemetry.AddSpanEvent(ctx, "task.retry",
		attribute.String("task.id", taskID),
		attribute.String("capability.id", capabilityID),
		attribute.Int("retry.count", retryCount),
	)
}

// EmitTaskCancelled records a caller-initiated cancellation.
func EmitTaskCancelled(ctx context.Context, taskID, capabilityID string) {
	telemetry.Counter("capcore.tasks.cancelled", "capability_id", capabilityID)
	telemetry.AddSpanEvent(ctx, "task.cancelled",
		attribute.String("task.id", taskID),
		attribute.String("capability.id", capabilityID),
	)
}

// EmitExecution records a synchronous or streaming execution outcome.
func EmitExecution(ctx context.Context, capabilityID, mode, status string, duration time.Duration) {
	telemetry.Counter("capcore.executions",
		"capability_id", capabilityID,
		"mode", mode,
		"status", status,
	)
	telemetry.Histogram("capcore.execution.duration_ms", float64(duration.Milliseconds()),
		"capability_id", capabilityID,
		"mode", mode,
	)
}

// EmitRejected records an execution refused before dispatch.
func EmitRejected(ctx context.Context, capabilityID, reason string) {
	telemetry.Counter("capcore.executions.rejected",
		"capability_id", capabilityID,
		"reason", reason,
	)
}
