package orchestration

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
)

// MemoryTaskQueue is the in-process TaskQueue: a priority heap of eligible
// tasks, a time-ordered heap of delayed ones, and a pool of worker
// goroutines pulling from the shared queue.
//
// Status transitions are single-writer: only the worker owning a task moves
// it through RUNNING and into a terminal state. External callers may only
// request CANCELLED, which never overwrites a stored terminal result.
type MemoryTaskQueue struct {
	registry *core.Registry
	sink     audit.Logger
	logger   core.Logger
	config   MemoryTaskQueueConfig

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*taskEntry
	ready   readyHeap
	delayed delayedHeap
	seq     uint64
	live    int
	closed  bool

	// Worker lifecycle
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	workerIDSeq atomic.Int32
	activeCount atomic.Int32
}

// MemoryTaskQueueConfig configures the in-memory queue.
type MemoryTaskQueueConfig struct {
	// WorkerCount is the number of concurrent workers
	// Default: 5
	WorkerCount int

	// Capacity bounds the number of live (non-terminal) tasks
	// Default: 10000
	Capacity int

	// ShutdownTimeout is how long Stop waits for in-flight tasks
	// Default: 30s
	ShutdownTimeout time.Duration

	// Logger is an optional logger for queue operations
	Logger core.Logger
}

// DefaultMemoryTaskQueueConfig returns default configuration.
func DefaultMemoryTaskQueueConfig() MemoryTaskQueueConfig {
	return MemoryTaskQueueConfig{
		WorkerCount:     5,
		Capacity:        10000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// taskEntry wraps a task record with scheduling state. All fields are
// guarded by the queue mutex.
type taskEntry struct {
	result     *core.TaskResult
	cap        *core.Capability
	seq        uint64
	eligibleAt time.Time

	readyIndex   int
	delayedIndex int

	// cancelRun cancels the running handler's context; nil unless RUNNING
	cancelRun context.CancelFunc
}

// NewMemoryTaskQueue creates the in-process task queue.
func NewMemoryTaskQueue(registry *core.Registry, sink audit.Logger, config *MemoryTaskQueueConfig) *MemoryTaskQueue {
	if config == nil {
		defaultConfig := DefaultMemoryTaskQueueConfig()
		config = &defaultConfig
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.Capacity <= 0 {
		config.Capacity = 10000
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = audit.NopLogger{}
	}

	q := &MemoryTaskQueue{
		registry: registry,
		sink:     sink,
		logger:   config.Logger,
		config:   *config,
		tasks:    make(map[string]*taskEntry),
	}
	if q.logger == nil {
		q.logger = &core.NoOpLogger{}
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue creates a task record and schedules it.
func (q *MemoryTaskQueue) Enqueue(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext, opts *EnqueueOptions) (*core.TaskResult, error) {
	cap, err := q.registry.GetOrErr(capabilityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if ec == nil {
		ec = core.NewExecutionContext(capabilityID)
	}

	priority := core.PriorityFromLevel(cap.Execution.Priority)
	if opts != nil && opts.Priority != nil {
		priority = *opts.Priority
	}
	maxRetries := cap.Execution.MaxRetries
	if opts != nil && opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	eligibleAt := opts.eligibleAt(now)
	status := core.StatusQueued
	if eligibleAt.After(now) {
		status = core.StatusPending
	}

	task := &core.TaskResult{
		TaskID:       uuid.NewString(),
		CapabilityID: capabilityID,
		Status:       status,
		Input:        input,
		Priority:     priority,
		CreatedAt:    now,
		MaxRetries:   maxRetries,
		Context:      ec,
	}
	if eligibleAt.After(now) {
		eta := eligibleAt
		task.ETA = &eta
	}
	task.AddTrace(status, "enqueued")

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, core.ErrQueueClosed
	}
	if q.live >= q.config.Capacity {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live tasks", core.ErrQueueFull, q.config.Capacity)
	}

	q.seq++
	entry := &taskEntry{
		result:       task,
		cap:          cap,
		seq:          q.seq,
		eligibleAt:   eligibleAt,
		readyIndex:   -1,
		delayedIndex: -1,
	}
	q.tasks[task.TaskID] = entry
	q.live++
	if eligibleAt.After(now) {
		heap.Push(&q.delayed, entry)
	} else {
		heap.Push(&q.ready, entry)
	}
	snapshot := snapshotTask(task)
	q.cond.Signal()
	q.mu.Unlock()

	emitAudit(ctx, q.sink, cap, ec, audit.EventQueued, input, nil, "", "", nil)
	EmitTaskQueued(ctx, snapshot)

	q.logger.Info("Task enqueued", map[string]interface{}{
		"task_id":       task.TaskID,
		"capability_id": capabilityID,
		"priority":      priority.String(),
		"delayed":       task.ETA != nil,
	})

	return snapshot, nil
}

// GetTask returns a snapshot of the task record.
func (q *MemoryTaskQueue) GetTask(ctx context.Context, taskID string) (*core.TaskResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.tasks[taskID]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return snapshotTask(entry.result), nil
}

// UpdateProgress mutates the live record of an in-flight task; the update
// is visible to concurrent pollers immediately. Progress never decreases.
func (q *MemoryTaskQueue) UpdateProgress(ctx context.Context, taskID string, percent float64, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.tasks[taskID]
	if !ok {
		return core.ErrTaskNotFound
	}
	if entry.result.Status.IsTerminal() {
		return core.ErrTaskTerminal
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > entry.result.ProgressPercent {
		entry.result.ProgressPercent = percent
	}
	if message != "" {
		entry.result.ProgressMessage = message
	}
	return nil
}

// Cancel requests a CANCELLED transition. Valid only while the task is
// PENDING, QUEUED, RETRY, or RUNNING; returns false otherwise. A RUNNING
// task has its context cancelled and any late handler result is discarded.
func (q *MemoryTaskQueue) Cancel(ctx context.Context, taskID string) bool {
	q.mu.Lock()
	entry, ok := q.tasks[taskID]
	if !ok || entry.result.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}

	if entry.readyIndex >= 0 {
		heap.Remove(&q.ready, entry.readyIndex)
	}
	if entry.delayedIndex >= 0 {
		heap.Remove(&q.delayed, entry.delayedIndex)
	}
	if entry.cancelRun != nil {
		entry.cancelRun()
	}

	now := time.Now().UTC()
	entry.result.Status = core.StatusCancelled
	entry.result.CompletedAt = &now
	entry.result.AddTrace(core.StatusCancelled, "cancelled by caller")
	q.live--
	cap, ec, input := entry.cap, entry.result.Context, entry.result.Input
	q.mu.Unlock()

	emitAudit(ctx, q.sink, cap, ec, audit.EventCancelled, input, nil, "cancelled by caller", core.ErrorTypeCancelled, nil)
	EmitTaskCancelled(ctx, taskID, cap.ID)

	q.logger.Info("Task cancelled", map[string]interface{}{
		"task_id":       taskID,
		"capability_id": cap.ID,
	})
	return true
}

// ListTasks returns tasks matching the filter, newest first.
func (q *MemoryTaskQueue) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.TaskResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	matched := make([]*core.TaskResult, 0, len(q.tasks))
	for _, entry := range q.tasks {
		t := entry.result
		if filter.CapabilityID != "" && t.CapabilityID != filter.CapabilityID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		matched = append(matched, snapshotTask(t))
	}
	q.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Cleanup garbage-collects terminal tasks older than maxAge.
func (q *MemoryTaskQueue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, entry := range q.tasks {
		t := entry.result
		if !t.Status.IsTerminal() {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Start launches the worker pool. Returns immediately.
func (q *MemoryTaskQueue) Start(ctx context.Context) error {
	if q.running.Swap(true) {
		return fmt.Errorf("task queue already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	// Wake waiting workers when the context dies.
	go func() {
		<-workerCtx.Done()
		q.cond.Broadcast()
	}()

	q.logger.Info("Starting task queue workers", map[string]interface{}{
		"worker_count": q.config.WorkerCount,
	})

	for i := 0; i < q.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", q.workerIDSeq.Add(1))
		q.wg.Add(1)
		go q.runWorker(workerCtx, workerID)
	}
	return nil
}

// Stop gracefully stops the worker pool, waiting for in-flight tasks up to
// the shutdown timeout.
func (q *MemoryTaskQueue) Stop(ctx context.Context) error {
	if !q.running.Load() {
		return nil
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	defer q.running.Store(false)
	select {
	case <-done:
		return nil
	case <-time.After(q.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker is the main loop for each worker goroutine.
func (q *MemoryTaskQueue) runWorker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	q.activeCount.Add(1)
	defer q.activeCount.Add(-1)

	q.logger.Debug("Worker started", map[string]interface{}{"worker_id": workerID})
	defer q.logger.Debug("Worker stopped", map[string]interface{}{"worker_id": workerID})

	for {
		entry := q.dequeue(ctx)
		if entry == nil {
			return
		}
		q.processTask(ctx, workerID, entry)
	}
}

// dequeue blocks until an eligible task is available or ctx is done.
// Returns the highest-priority eligible entry, FIFO within a tier.
func (q *MemoryTaskQueue) dequeue(ctx context.Context) *taskEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil || q.closed {
			return nil
		}

		now := time.Now().UTC()
		q.promoteLocked(now)

		if q.ready.Len() > 0 {
			entry := heap.Pop(&q.ready).(*taskEntry)
			if entry.result.Status.IsTerminal() {
				continue // cancelled while queued
			}
			return entry
		}

		if q.delayed.Len() > 0 {
			wait := time.Until(q.delayed[0].eligibleAt)
			if wait <= 0 {
				continue
			}
			timer := time.AfterFunc(wait, q.cond.Broadcast)
			q.cond.Wait()
			timer.Stop()
		} else {
			q.cond.Wait()
		}
	}
}

// promoteLocked moves due delayed tasks into the ready heap.
func (q *MemoryTaskQueue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].eligibleAt.After(now) {
		entry := heap.Pop(&q.delayed).(*taskEntry)
		if entry.result.Status.IsTerminal() {
			continue
		}
		if entry.result.Status == core.StatusPending || entry.result.Status == core.StatusRetry {
			entry.result.Status = core.StatusQueued
			entry.result.AddTrace(core.StatusQueued, "eligible for dispatch")
		}
		heap.Push(&q.ready, entry)
	}
}

// processTask runs one attempt of a task and applies the outcome under the
// single-writer rule.
func (q *MemoryTaskQueue) processTask(ctx context.Context, workerID string, entry *taskEntry) {
	q.mu.Lock()
	if entry.result.Status.IsTerminal() {
		q.mu.Unlock()
		return
	}

	task := entry.result
	cap := entry.cap
	attempt := task.RetryCount

	now := time.Now().UTC()
	task.Status = core.StatusRunning
	if task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	task.AddTrace(core.StatusRunning, fmt.Sprintf("attempt %d on %s", attempt+1, workerID))

	runCtx, cancelRun := context.WithCancel(ctx)
	entry.cancelRun = cancelRun

	ec := task.Context
	input := task.Input
	taskID := task.TaskID
	q.mu.Unlock()

	emitAudit(ctx, q.sink, cap, ec, audit.EventStarted, input, nil, "", "", nil)
	EmitTaskStarted(ctx, taskID, cap.ID, workerID)

	progress := func(percent float64, message string) {
		_ = q.UpdateProgress(ctx, taskID, percent, message)
	}
	handler := cap.Handler
	if ec != nil && ec.HandlerOverride != nil {
		handler = ec.HandlerOverride
	}
	call := core.NewCall(input, ec, progress, nil)

	started := time.Now()
	result, err := runHandler(runCtx, cap.Execution.Timeout, handler, call)
	cancelRun()
	duration := time.Since(started)

	q.mu.Lock()
	entry.cancelRun = nil

	if task.Status.IsTerminal() {
		// A cancel won the race; the stored result stays untouched and
		// whatever the handler produced is discarded.
		q.mu.Unlock()
		return
	}

	if err == nil {
		completed := time.Now().UTC()
		task.Status = core.StatusCompleted
		task.Result = result
		task.CompletedAt = &completed
		task.ProgressPercent = 100
		task.AddTrace(core.StatusCompleted, "")
		q.live--
		durationMS := task.DurationMS()
		q.mu.Unlock()

		emitAudit(ctx, q.sink, cap, ec, audit.EventCompleted, input, result, "", "", durationMS)
		EmitTaskCompleted(ctx, taskID, cap.ID, duration)

		q.logger.Info("Task completed", map[string]interface{}{
			"task_id":       taskID,
			"capability_id": cap.ID,
			"duration_ms":   duration.Milliseconds(),
		})
		return
	}

	etype := errorType(err)
	retryable := etype == core.ErrorTypeExecution || etype == core.ErrorTypeTimeout || etype == core.ErrorTypePanic

	if retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := policyFor(cap.Execution).Delay(task.RetryCount)
		nextRetry := time.Now().UTC().Add(delay)
		task.Status = core.StatusRetry
		task.NextRetryAt = &nextRetry
		task.Error = err.Error()
		task.ErrorType = etype
		task.AddTrace(core.StatusRetry, fmt.Sprintf("retry %d/%d in %s", task.RetryCount, task.MaxRetries, delay))

		retryCount, maxRetries := task.RetryCount, task.MaxRetries
		entry.eligibleAt = nextRetry
		heap.Push(&q.delayed, entry)
		q.cond.Signal()
		q.mu.Unlock()

		emitAudit(ctx, q.sink, cap, ec, audit.EventRetry, input, nil, err.Error(), etype, nil)
		EmitTaskRetry(ctx, taskID, cap.ID, retryCount)

		q.logger.Warn("Task scheduled for retry", map[string]interface{}{
			"task_id":       taskID,
			"capability_id": cap.ID,
			"retry_count":   retryCount,
			"max_retries":   maxRetries,
			"next_retry_at": nextRetry,
			"error":         err.Error(),
		})
		return
	}

	completed := time.Now().UTC()
	task.Status = terminalStatus(err)
	task.Error = err.Error()
	task.ErrorType = etype
	task.CompletedAt = &completed
	task.AddTrace(task.Status, "")
	q.live--
	durationMS := task.DurationMS()
	finalStatus := task.Status
	q.mu.Unlock()

	eventType := audit.EventFailed
	if finalStatus == core.StatusTimeout {
		eventType = audit.EventTimeout
	} else if finalStatus == core.StatusCancelled {
		eventType = audit.EventCancelled
	}
	emitAudit(ctx, q.sink, cap, ec, eventType, input, nil, err.Error(), etype, durationMS)
	EmitTaskFailed(ctx, taskID, cap.ID, string(finalStatus), duration)

	q.logger.Error("Task failed", map[string]interface{}{
		"task_id":       taskID,
		"capability_id": cap.ID,
		"status":        string(finalStatus),
		"retry_count":   task.RetryCount,
		"error":         err.Error(),
	})
}

// snapshotTask copies a record so callers never share mutable state with
// the queue.
func snapshotTask(t *core.TaskResult) *core.TaskResult {
	copied := *t
	copied.Trace = make([]core.TraceEntry, len(t.Trace))
	copy(copied.Trace, t.Trace)
	return &copied
}

// readyHeap orders eligible tasks by priority tier, FIFO within a tier.
type readyHeap []*taskEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].result.Priority != h[j].result.Priority {
		return h[i].result.Priority < h[j].result.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIndex = i
	h[j].readyIndex = j
}
func (h *readyHeap) Push(x any) {
	entry := x.(*taskEntry)
	entry.readyIndex = len(*h)
	*h = append(*h, entry)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.readyIndex = -1
	*h = old[:n-1]
	return entry
}

// delayedHeap orders ineligible tasks by the time they become due.
type delayedHeap []*taskEntry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].eligibleAt.Before(h[j].eligibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].delayedIndex = i
	h[j].delayedIndex = j
}
func (h *delayedHeap) Push(x any) {
	entry := x.(*taskEntry)
	entry.delayedIndex = len(*h)
	*h = append(*h, entry)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.delayedIndex = -1
	*h = old[:n-1]
	return entry
}

var _ TaskQueue = (*MemoryTaskQueue)(nil)
