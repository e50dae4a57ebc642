// Package capcore assembles the capability execution subsystem: a registry
// of capabilities, an orchestrator dispatching sync, async, and streaming
// executions, a priority task queue with retries, and an audit log of every
// lifecycle transition.
//
// Typical use:
//
//	app := capcore.New()
//	app.MustRegister(&core.Capability{
//		ID:      "screen-universe",
//		Group:   core.GroupScreening,
//		Handler: screenUniverse,
//	})
//	app.Start(ctx)
//	defer app.Shutdown(context.Background())
//
//	result, err := app.Execute(ctx, "screen-universe", input, nil)
package capcore

import (
	"context"
	"net/http"
	"time"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
	"github.com/finsight/capcore/orchestration"
)

// App wires the subsystem together. Zero-configuration New gives an
// in-memory queue and a bounded in-memory audit log; options swap in
// external backends.
type App struct {
	Registry     *core.Registry
	Orchestrator *orchestration.Orchestrator
	Queue        orchestration.TaskQueue
	Audit        audit.Logger

	config *core.Config
	logger core.Logger

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// Option configures an App during construction.
type Option func(*options)

type options struct {
	config       *core.Config
	logger       core.Logger
	sink         audit.Logger
	queue        orchestration.TaskQueue
	queueFactory func(*core.Registry, audit.Logger) orchestration.TaskQueue
	workerCount  int
}

// WithConfig supplies a configuration instead of DefaultConfig.
func WithConfig(config *core.Config) Option {
	return func(o *options) { o.config = config }
}

// WithLogger supplies the structured logger used by every component.
func WithLogger(logger core.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAuditLogger swaps the audit backend, e.g. for the SQLite logger.
func WithAuditLogger(sink audit.Logger) Option {
	return func(o *options) { o.sink = sink }
}

// WithTaskQueue swaps the task queue backend for an already-built queue.
func WithTaskQueue(queue orchestration.TaskQueue) Option {
	return func(o *options) { o.queue = queue }
}

// WithWorkerCount overrides the queue worker count without replacing the
// whole configuration.
func WithWorkerCount(n int) Option {
	return func(o *options) { o.workerCount = n }
}

// WithTaskQueueFactory swaps the task queue backend when the queue needs
// the registry and audit sink the App constructs, e.g. the Redis queue.
func WithTaskQueueFactory(factory func(registry *core.Registry, sink audit.Logger) orchestration.TaskQueue) Option {
	return func(o *options) { o.queueFactory = factory }
}

// New builds an App.
func New(opts ...Option) *App {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = core.DefaultConfig()
	}
	if o.workerCount > 0 {
		cfg := *o.config
		cfg.Queue.WorkerCount = o.workerCount
		o.config = &cfg
	}
	if o.logger == nil {
		o.logger = &core.NoOpLogger{}
	}
	if o.sink == nil {
		o.sink = audit.NewMemoryLogger(o.config.Audit.MaxEvents)
	}

	registry := core.NewRegistry()
	registry.SetLogger(o.logger)

	queue := o.queue
	if queue == nil && o.queueFactory != nil {
		queue = o.queueFactory(registry, o.sink)
	}
	if queue == nil {
		queue = orchestration.NewMemoryTaskQueue(registry, o.sink, &orchestration.MemoryTaskQueueConfig{
			WorkerCount:     o.config.Queue.WorkerCount,
			Capacity:        o.config.Queue.Capacity,
			ShutdownTimeout: o.config.Queue.ShutdownTimeout,
			Logger:          o.logger,
		})
	}

	orchestrator := orchestration.NewOrchestrator(registry, queue, o.sink, &orchestration.OrchestratorConfig{
		DefaultTimeout: o.config.DefaultTimeout,
		Logger:         o.logger,
	})

	return &App{
		Registry:     registry,
		Orchestrator: orchestrator,
		Queue:        queue,
		Audit:        o.sink,
		config:       o.config,
		logger:       o.logger,
	}
}

// Register adds a capability to the registry.
func (a *App) Register(cap *core.Capability) error {
	return a.Registry.Register(cap)
}

// MustRegister registers a capability and panics on error. For static
// registration at startup.
func (a *App) MustRegister(cap *core.Capability) {
	if err := a.Registry.Register(cap); err != nil {
		panic(err)
	}
}

// Execute runs a capability synchronously.
func (a *App) Execute(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext) (*core.ExecutionResult, error) {
	return a.Orchestrator.Execute(ctx, capabilityID, input, ec)
}

// ExecuteAsync enqueues an async capability and returns the task record.
func (a *App) ExecuteAsync(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext, opts *orchestration.EnqueueOptions) (*core.TaskResult, error) {
	return a.Orchestrator.ExecuteAsync(ctx, capabilityID, input, ec, opts)
}

// Stream runs a streaming capability.
func (a *App) Stream(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext) (<-chan core.ExecutionResult, error) {
	return a.Orchestrator.Stream(ctx, capabilityID, input, ec)
}

// Status returns the current record of a queued task.
func (a *App) Status(ctx context.Context, taskID string) (*core.TaskResult, error) {
	return a.Orchestrator.GetStatus(ctx, taskID)
}

// Cancel requests cancellation of a queued or running task.
func (a *App) Cancel(ctx context.Context, taskID string) bool {
	return a.Orchestrator.Cancel(ctx, taskID)
}

// RegisterRoutes mounts the HTTP task API on a mux.
func (a *App) RegisterRoutes(mux *http.ServeMux) {
	api := orchestration.NewTaskAPI(a.Orchestrator, a.Registry, a.logger)
	api.RegisterRoutes(mux)
}

// Start launches the task queue workers and the background cleanup loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		return err
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	a.cleanupCancel = cancel
	a.cleanupDone = make(chan struct{})
	go a.runCleanup(cleanupCtx)

	a.logger.Info("Capability subsystem started", map[string]interface{}{
		"worker_count":  a.config.Queue.WorkerCount,
		"capability_ct": len(a.Registry.ListAll()),
	})
	return nil
}

// Shutdown stops the cleanup loop and the task queue, waiting for in-flight
// work up to the configured shutdown timeout.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cleanupCancel != nil {
		a.cleanupCancel()
		<-a.cleanupDone
	}
	return a.Queue.Stop(ctx)
}

// runCleanup periodically evicts terminal tasks past their retention.
func (a *App) runCleanup(ctx context.Context) {
	defer close(a.cleanupDone)

	maxAge := a.config.Queue.CleanupMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	interval := maxAge / 10
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.Queue.Cleanup(ctx, maxAge)
			if err != nil {
				a.logger.Error("Task cleanup failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if removed > 0 {
				a.logger.Info("Task cleanup removed terminal tasks", map[string]interface{}{
					"removed": removed,
				})
			}
		}
	}
}
