// Package orchestration executes registered capabilities.
//
// The Orchestrator is the single entry point for invocation: it resolves
// the capability, validates input against its schema, and dispatches by
// execution mode. Synchronous calls block until the handler returns;
// asynchronous calls go through a TaskQueue; streaming calls deliver
// progressive results over a channel. Every lifecycle transition is
// recorded with the audit sink when the capability opts in.
package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
)

// Orchestrator validates and executes capabilities.
type Orchestrator struct {
	registry *core.Registry
	queue    TaskQueue
	sink     audit.Logger
	logger   core.Logger
	config   OrchestratorConfig

	// Compiled input schemas, keyed by capability ID. Compilation is
	// deterministic per capability so duplicate work is the only cost of
	// a racing miss.
	schemaMu    sync.RWMutex
	schemaCache map[string]*core.InputSchema
}

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	// DefaultTimeout applies when a capability declares none
	// Default: 30s
	DefaultTimeout time.Duration

	// StreamBuffer is the channel capacity for streaming executions
	// Default: 16
	StreamBuffer int

	// Logger is an optional logger for execution events
	Logger core.Logger
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DefaultTimeout: 30 * time.Second,
		StreamBuffer:   16,
	}
}

// NewOrchestrator creates an orchestrator. The queue may be nil when only
// synchronous and streaming execution is needed; sink may be nil to
// disable auditing.
func NewOrchestrator(registry *core.Registry, queue TaskQueue, sink audit.Logger, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		defaultConfig := DefaultOrchestratorConfig()
		config = &defaultConfig
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = 16
	}
	if sink == nil {
		sink = audit.NopLogger{}
	}

	o := &Orchestrator{
		registry:    registry,
		queue:       queue,
		sink:        sink,
		logger:      config.Logger,
		config:      *config,
		schemaCache: make(map[string]*core.InputSchema),
	}
	if o.logger == nil {
		o.logger = &core.NoOpLogger{}
	}
	return o
}

// ValidateInput resolves the capability's schema and validates input
// against it, returning a copy with defaults applied.
func (o *Orchestrator) ValidateInput(capabilityID string, input map[string]any) (map[string]any, error) {
	cap, err := o.registry.GetOrErr(capabilityID)
	if err != nil {
		return nil, err
	}
	return o.validate(cap, input)
}

// InvalidateSchema drops the cached schema for a capability. Call after
// replacing a registration.
func (o *Orchestrator) InvalidateSchema(capabilityID string) {
	o.schemaMu.Lock()
	delete(o.schemaCache, capabilityID)
	o.schemaMu.Unlock()
}

// Execute runs a capability synchronously and blocks until it finishes,
// times out, or the context is cancelled. An error return means the call
// was refused before dispatch (unknown capability or invalid input);
// handler failures are reported in the result's status and error fields.
func (o *Orchestrator) Execute(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext) (*core.ExecutionResult, error) {
	cap, err := o.registry.GetOrErr(capabilityID)
	if err != nil {
		return nil, err
	}
	o.warnDeprecated(cap)

	validated, err := o.validate(cap, input)
	if err != nil {
		o.rejected(ctx, cap, ec, input, err)
		return nil, err
	}

	if ec == nil {
		ec = core.NewExecutionContext(capabilityID)
	}

	result := &core.ExecutionResult{
		ExecutionID:  ec.ExecutionID,
		CapabilityID: capabilityID,
		Status:       core.StatusRunning,
	}
	startedAt := time.Now().UTC()
	result.StartedAt = &startedAt
	result.AddTrace(core.StatusRunning, "")

	emitAudit(ctx, o.sink, cap, ec, audit.EventStarted, validated, nil, "", "", nil)

	// A handler that ignores its deadline keeps running after the result
	// is returned to the caller. Seal the record before returning so a
	// late ReportProgress cannot touch a terminal result.
	var progressMu sync.Mutex
	sealed := false
	progress := func(percent float64, message string) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if sealed {
			return
		}
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent > result.ProgressPercent {
			result.ProgressPercent = percent
		}
		if message != "" {
			result.ProgressMessage = message
		}
	}
	call := core.NewCall(validated, ec, progress, nil)

	started := time.Now()
	value, runErr := runHandler(ctx, o.timeoutFor(cap), o.handlerFor(cap, ec), call)
	duration := time.Since(started)

	progressMu.Lock()
	sealed = true
	progressMu.Unlock()

	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt

	if runErr == nil {
		result.Status = core.StatusCompleted
		result.Result = value
		result.ProgressPercent = 100
		result.AddTrace(core.StatusCompleted, "")

		emitAudit(ctx, o.sink, cap, ec, audit.EventCompleted, validated, value, "", "", result.DurationMS())
		EmitExecution(ctx, capabilityID, string(core.ModeSync), string(core.StatusCompleted), duration)
		return result, nil
	}

	etype := errorType(runErr)
	result.Status = terminalStatus(runErr)
	result.Error = runErr.Error()
	result.ErrorType = etype
	result.AddTrace(result.Status, "")

	eventType := audit.EventFailed
	switch result.Status {
	case core.StatusTimeout:
		eventType = audit.EventTimeout
	case core.StatusCancelled:
		eventType = audit.EventCancelled
	}
	emitAudit(ctx, o.sink, cap, ec, eventType, validated, nil, runErr.Error(), etype, result.DurationMS())
	EmitExecution(ctx, capabilityID, string(core.ModeSync), string(result.Status), duration)

	o.logger.Error("Execution failed", map[string]interface{}{
		"execution_id":  ec.ExecutionID,
		"capability_id": capabilityID,
		"status":        string(result.Status),
		"error":         runErr.Error(),
	})
	return result, nil
}

// ExecuteAsync validates input and enqueues a task. Only capabilities
// declared with ModeAsync may be queued.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext, opts *EnqueueOptions) (*core.TaskResult, error) {
	cap, err := o.registry.GetOrErr(capabilityID)
	if err != nil {
		return nil, err
	}
	if cap.Execution.Mode != core.ModeAsync {
		return nil, core.ErrNotAsyncCapability
	}
	if o.queue == nil {
		return nil, core.ErrInvalidConfiguration
	}
	o.warnDeprecated(cap)

	validated, err := o.validate(cap, input)
	if err != nil {
		o.rejected(ctx, cap, ec, input, err)
		return nil, err
	}

	return o.queue.Enqueue(ctx, capabilityID, validated, ec, opts)
}

// GetStatus returns the current record of a queued task.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*core.TaskResult, error) {
	if o.queue == nil {
		return nil, core.ErrInvalidConfiguration
	}
	return o.queue.GetTask(ctx, taskID)
}

// Cancel requests cancellation of a queued or running task. Returns false
// once the task is terminal or unknown.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) bool {
	if o.queue == nil {
		return false
	}
	return o.queue.Cancel(ctx, taskID)
}

// Stream executes a streaming capability and returns a channel of
// progressive results. Intermediate results carry status RUNNING with a
// partial payload; exactly one terminal result arrives last, then the
// channel closes. Cancelling ctx aborts the handler.
func (o *Orchestrator) Stream(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext) (<-chan core.ExecutionResult, error) {
	cap, err := o.registry.GetOrErr(capabilityID)
	if err != nil {
		return nil, err
	}
	if cap.Execution.Mode != core.ModeStreaming {
		return nil, core.ErrNotStreamCapability
	}
	o.warnDeprecated(cap)

	validated, err := o.validate(cap, input)
	if err != nil {
		o.rejected(ctx, cap, ec, input, err)
		return nil, err
	}

	if ec == nil {
		ec = core.NewExecutionContext(capabilityID)
	}

	results := make(chan core.ExecutionResult, o.config.StreamBuffer)

	go func() {
		defer close(results)

		startedAt := time.Now().UTC()
		emitAudit(ctx, o.sink, cap, ec, audit.EventStarted, validated, nil, "", "", nil)

		// Progress only ever moves forward on the wire, whatever the
		// handler reports. Once the handler is released the stream is
		// sealed: hook calls from a handler that outlived its deadline
		// return without sending, so they can never reach the closed
		// channel.
		var mu sync.Mutex
		lastPercent := 0.0
		lastMessage := ""
		sealed := false
		release := make(chan struct{})

		send := func(r core.ExecutionResult) {
			mu.Lock()
			defer mu.Unlock()
			if sealed {
				return
			}
			select {
			case results <- r:
			case <-ctx.Done():
			case <-release:
			}
		}

		advance := func(percent float64, message string) (float64, string) {
			mu.Lock()
			defer mu.Unlock()
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			if percent > lastPercent {
				lastPercent = percent
			}
			if message != "" {
				lastMessage = message
			}
			return lastPercent, lastMessage
		}

		progress := func(percent float64, message string) {
			p, m := advance(percent, message)
			send(core.ExecutionResult{
				ExecutionID:     ec.ExecutionID,
				CapabilityID:    capabilityID,
				Status:          core.StatusRunning,
				StartedAt:       &startedAt,
				ProgressPercent: p,
				ProgressMessage: m,
			})
		}
		emit := func(partial any, percent float64, message string) {
			p, m := advance(percent, message)
			send(core.ExecutionResult{
				ExecutionID:     ec.ExecutionID,
				CapabilityID:    capabilityID,
				Status:          core.StatusRunning,
				Result:          partial,
				StartedAt:       &startedAt,
				ProgressPercent: p,
				ProgressMessage: m,
			})
		}

		call := core.NewCall(validated, ec, progress, emit)

		started := time.Now()
		value, runErr := runHandler(ctx, o.timeoutFor(cap), o.handlerFor(cap, ec), call)
		duration := time.Since(started)

		// release first so a hook blocked on a full buffer lets go of
		// the mutex before the seal takes it.
		close(release)
		mu.Lock()
		sealed = true
		finalPercent := lastPercent
		mu.Unlock()

		completedAt := time.Now().UTC()
		final := core.ExecutionResult{
			ExecutionID:  ec.ExecutionID,
			CapabilityID: capabilityID,
			StartedAt:    &startedAt,
			CompletedAt:  &completedAt,
		}

		if runErr == nil {
			final.Status = core.StatusCompleted
			final.Result = value
			final.ProgressPercent = 100
			emitAudit(ctx, o.sink, cap, ec, audit.EventCompleted, validated, value, "", "", final.DurationMS())
		} else {
			etype := errorType(runErr)
			final.Status = terminalStatus(runErr)
			final.Error = runErr.Error()
			final.ErrorType = etype
			final.ProgressPercent = finalPercent

			eventType := audit.EventFailed
			switch final.Status {
			case core.StatusTimeout:
				eventType = audit.EventTimeout
			case core.StatusCancelled:
				eventType = audit.EventCancelled
			}
			emitAudit(ctx, o.sink, cap, ec, eventType, validated, nil, runErr.Error(), etype, final.DurationMS())
		}
		EmitExecution(ctx, capabilityID, string(core.ModeStreaming), string(final.Status), duration)

		// The terminal result is delivered even when ctx is already done,
		// as long as a reader is still draining.
		select {
		case results <- final:
		default:
			select {
			case results <- final:
			case <-time.After(time.Second):
			}
		}
	}()

	return results, nil
}

func (o *Orchestrator) validate(cap *core.Capability, input map[string]any) (map[string]any, error) {
	schema, err := o.schemaFor(cap)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return input, nil
	}
	return schema.Validate(cap.ID, input)
}

func (o *Orchestrator) schemaFor(cap *core.Capability) (*core.InputSchema, error) {
	o.schemaMu.RLock()
	schema, ok := o.schemaCache[cap.ID]
	o.schemaMu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := core.SchemaFor(cap)
	if err != nil {
		return nil, err
	}
	o.schemaMu.Lock()
	o.schemaCache[cap.ID] = schema
	o.schemaMu.Unlock()
	return schema, nil
}

func (o *Orchestrator) timeoutFor(cap *core.Capability) time.Duration {
	if cap.Execution.Timeout > 0 {
		return cap.Execution.Timeout
	}
	return o.config.DefaultTimeout
}

func (o *Orchestrator) handlerFor(cap *core.Capability, ec *core.ExecutionContext) core.Handler {
	if ec != nil && ec.HandlerOverride != nil {
		return ec.HandlerOverride
	}
	return cap.Handler
}

func (o *Orchestrator) warnDeprecated(cap *core.Capability) {
	if cap.Deprecated {
		o.logger.Warn("Deprecated capability invoked", map[string]interface{}{
			"capability_id": cap.ID,
		})
	}
}

// rejected records a refusal before dispatch.
func (o *Orchestrator) rejected(ctx context.Context, cap *core.Capability, ec *core.ExecutionContext, input map[string]any, cause error) {
	emitAudit(ctx, o.sink, cap, ec, audit.EventRejected, input, nil, cause.Error(), core.ErrorType(cause), nil)
	EmitRejected(ctx, cap.ID, core.ErrorType(cause))

	o.logger.Warn("Execution rejected", map[string]interface{}{
		"capability_id": cap.ID,
		"error":         cause.Error(),
	})
}
