package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
)

// RedisTaskQueue is a TaskQueue backed by Redis: one list per priority tier
// for eligible tasks, a sorted set for delayed ones, and a JSON record per
// task. Multiple processes can share the queue; BRPOP across the tier keys
// in priority order gives strict tier precedence with FIFO within a tier.
//
// Cancellation of a RUNNING task is best effort across processes: the
// terminal CANCELLED state is written immediately and any process that
// later finishes the handler discards its result, but only the process
// that owns the attempt can interrupt the handler's context.
type RedisTaskQueue struct {
	client   *redis.Client
	registry *core.Registry
	sink     audit.Logger
	logger   core.Logger
	config   RedisTaskQueueConfig

	// cancelRuns tracks handler cancel functions for attempts owned by
	// this process.
	cancelMu   sync.Mutex
	cancelRuns map[string]context.CancelFunc

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RedisTaskQueueConfig configures the Redis-backed queue.
type RedisTaskQueueConfig struct {
	// KeyPrefix namespaces all queue keys
	// Default: "capcore:tasks"
	KeyPrefix string

	// WorkerCount is the number of concurrent workers in this process
	// Default: 5
	WorkerCount int

	// PollTimeout bounds each blocking pop so workers notice shutdown
	// Default: 1s
	PollTimeout time.Duration

	// PromoteInterval is how often due delayed tasks are promoted
	// Default: 1s
	PromoteInterval time.Duration

	// ShutdownTimeout is how long Stop waits for in-flight tasks
	// Default: 30s
	ShutdownTimeout time.Duration

	// TaskTTL expires task records as a backstop against leaked keys
	// Default: 24h
	TaskTTL time.Duration

	// Logger is an optional logger for queue operations
	Logger core.Logger
}

// DefaultRedisTaskQueueConfig returns default configuration.
func DefaultRedisTaskQueueConfig() RedisTaskQueueConfig {
	return RedisTaskQueueConfig{
		KeyPrefix:       "capcore:tasks",
		WorkerCount:     5,
		PollTimeout:     time.Second,
		PromoteInterval: time.Second,
		ShutdownTimeout: 30 * time.Second,
		TaskTTL:         24 * time.Hour,
	}
}

// NewRedisTaskQueue creates a Redis-backed task queue on an existing client.
func NewRedisTaskQueue(client *redis.Client, registry *core.Registry, sink audit.Logger, config *RedisTaskQueueConfig) *RedisTaskQueue {
	if config == nil {
		defaultConfig := DefaultRedisTaskQueueConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "capcore:tasks"
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = time.Second
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.TaskTTL <= 0 {
		config.TaskTTL = 24 * time.Hour
	}
	if sink == nil {
		sink = audit.NopLogger{}
	}

	q := &RedisTaskQueue{
		client:     client,
		registry:   registry,
		sink:       sink,
		logger:     config.Logger,
		config:     *config,
		cancelRuns: make(map[string]context.CancelFunc),
	}
	if q.logger == nil {
		q.logger = &core.NoOpLogger{}
	}
	return q
}

func (q *RedisTaskQueue) taskKey(taskID string) string {
	return q.config.KeyPrefix + ":task:" + taskID
}

func (q *RedisTaskQueue) tierKey(p core.Priority) string {
	return q.config.KeyPrefix + ":queue:" + p.String()
}

func (q *RedisTaskQueue) delayedKey() string {
	return q.config.KeyPrefix + ":delayed"
}

func (q *RedisTaskQueue) indexKey() string {
	return q.config.KeyPrefix + ":index"
}

// tierKeys returns the tier list keys in pop order, highest priority first.
func (q *RedisTaskQueue) tierKeys() []string {
	return []string{
		q.tierKey(core.PriorityCritical),
		q.tierKey(core.PriorityHigh),
		q.tierKey(core.PriorityNormal),
		q.tierKey(core.PriorityLow),
	}
}

// Enqueue creates a task record and schedules it.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, capabilityID string, input map[string]any, ec *core.ExecutionContext, opts *EnqueueOptions) (*core.TaskResult, error) {
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

	if err := q.saveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.indexKey(), &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: task.TaskID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index task: %w", err)
	}

	if eligibleAt.After(now) {
		err = q.client.ZAdd(ctx, q.delayedKey(), &redis.Z{
			Score:  float64(eligibleAt.UnixNano()),
			Member: task.TaskID,
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.tierKey(priority), task.TaskID).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	emitAudit(ctx, q.sink, cap, ec, audit.EventQueued, input, nil, "", "", nil)
	EmitTaskQueued(ctx, task)

	q.logger.Info("Task enqueued", map[string]interface{}{
		"task_id":       task.TaskID,
		"capability_id": capabilityID,
		"priority":      priority.String(),
		"delayed":       task.ETA != nil,
	})
	return task, nil
}

// GetTask loads the task record.
func (q *RedisTaskQueue) GetTask(ctx context.Context, taskID string) (*core.TaskResult, error) {
	return q.loadTask(ctx, taskID)
}

// UpdateProgress writes a progress update to the task record. Progress
// never decreases.
func (q *RedisTaskQueue) UpdateProgress(ctx context.Context, taskID string, percent float64, message string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return core.ErrTaskTerminal
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > task.ProgressPercent {
		task.ProgressPercent = percent
	}
	if message != "" {
		task.ProgressMessage = message
	}
	return q.saveTask(ctx, task)
}

// Cancel requests a CANCELLED transition; returns false once the task is
// already terminal or unknown.
func (q *RedisTaskQueue) Cancel(ctx context.Context, taskID string) bool {
	task, err := q.loadTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return false
	}

	// Interrupt the handler if this process owns the attempt.
	q.cancelMu.Lock()
	if cancelRun, ok := q.cancelRuns[taskID]; ok {
		cancelRun()
	}
	q.cancelMu.Unlock()

	now := time.Now().UTC()
	task.Status = core.StatusCancelled
	task.CompletedAt = &now
	task.AddTrace(core.StatusCancelled, "cancelled by caller")
	if err := q.saveTask(ctx, task); err != nil {
		q.logger.Error("Failed to persist cancellation", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return false
	}

	// Best effort removal from scheduling structures.
	for _, key := range q.tierKeys() {
		q.client.LRem(ctx, key, 0, taskID)
	}
	q.client.ZRem(ctx, q.delayedKey(), taskID)

	cap := q.registry.Get(task.CapabilityID)
	emitAudit(ctx, q.sink, cap, task.Context, audit.EventCancelled, task.Input, nil, "cancelled by caller", core.ErrorTypeCancelled, nil)
	EmitTaskCancelled(ctx, taskID, task.CapabilityID)
	return true
}

// ListTasks returns tasks matching the filter, newest first.
func (q *RedisTaskQueue) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.TaskResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	ids, err := q.client.ZRevRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	matched := make([]*core.TaskResult, 0, limit)
	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil {
			continue // record expired under the index entry
		}
		if filter.CapabilityID != "" && task.CapabilityID != filter.CapabilityID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		matched = append(matched, task)
		if len(matched) >= limit {
			break
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}

// Cleanup deletes terminal task records older than maxAge.
func (q *RedisTaskQueue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	ids, err := q.client.ZRangeByScore(ctx, q.indexKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan task index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, id)
		if err != nil {
			// Record already expired; drop the index entry.
			q.client.ZRem(ctx, q.indexKey(), id)
			removed++
			continue
		}
		if !task.Status.IsTerminal() {
			continue
		}
		if task.CompletedAt == nil || task.CompletedAt.After(cutoff) {
			continue
		}
		q.client.Del(ctx, q.taskKey(id))
		q.client.ZRem(ctx, q.indexKey(), id)
		removed++
	}
	return removed, nil
}

// Start launches the worker pool and the delayed-task promoter.
func (q *RedisTaskQueue) Start(ctx context.Context) error {
	if q.running.Swap(true) {
		return fmt.Errorf("task queue already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.logger.Info("Starting Redis task queue workers", map[string]interface{}{
		"worker_count": q.config.WorkerCount,
		"key_prefix":   q.config.KeyPrefix,
	})

	q.wg.Add(1)
	go q.runPromoter(workerCtx)

	for i := 0; i < q.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		q.wg.Add(1)
		go q.runWorker(workerCtx, workerID)
	}
	return nil
}

// Stop gracefully stops the worker pool.
func (q *RedisTaskQueue) Stop(ctx context.Context) error {
	if !q.running.Load() {
		return nil
	}
	if q.cancel != nil {
		q.cancel()
	}

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

// runPromoter periodically moves due delayed tasks onto their tier list.
func (q *RedisTaskQueue) runPromoter(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *RedisTaskQueue) promoteDue(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		// Only the remover of the zset entry owns the promotion.
		n, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || n == 0 {
			continue
		}
		task, err := q.loadTask(ctx, id)
		if err != nil || task.Status.IsTerminal() {
			continue
		}
		if task.Status == core.StatusPending || task.Status == core.StatusRetry {
			task.Status = core.StatusQueued
			task.AddTrace(core.StatusQueued, "eligible for dispatch")
			if err := q.saveTask(ctx, task); err != nil {
				continue
			}
		}
		q.client.LPush(ctx, q.tierKey(task.Priority), id)
	}
}

// runWorker pops tasks in priority order and processes them.
func (q *RedisTaskQueue) runWorker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	q.logger.Debug("Worker started", map[string]interface{}{"worker_id": workerID})
	defer q.logger.Debug("Worker stopped", map[string]interface{}{"worker_id": workerID})

	keys := q.tierKeys()
	for {
		if ctx.Err() != nil {
			return
		}
		popped, err := q.client.BRPop(ctx, q.config.PollTimeout, keys...).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to pop task", map[string]interface{}{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			time.Sleep(q.config.PollTimeout)
			continue
		}
		if len(popped) != 2 {
			continue
		}
		q.processTask(ctx, workerID, popped[1])
	}
}

// processTask runs one attempt of a task.
func (q *RedisTaskQueue) processTask(ctx context.Context, workerID, taskID string) {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		q.logger.Error("Failed to load task", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}
	if task.Status.IsTerminal() {
		return // cancelled while queued
	}

	cap, err := q.registry.GetOrErr(task.CapabilityID)
	if err != nil {
		now := time.Now().UTC()
		task.Status = core.StatusFailed
		task.Error = err.Error()
		task.ErrorType = core.ErrorTypeExecution
		task.CompletedAt = &now
		task.AddTrace(core.StatusFailed, "capability no longer registered")
		_ = q.saveTask(ctx, task)
		return
	}

	attempt := task.RetryCount
	now := time.Now().UTC()
	task.Status = core.StatusRunning
	if task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	task.AddTrace(core.StatusRunning, fmt.Sprintf("attempt %d on %s", attempt+1, workerID))
	if err := q.saveTask(ctx, task); err != nil {
		q.logger.Error("Failed to mark task running", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	q.cancelMu.Lock()
	q.cancelRuns[taskID] = cancelRun
	q.cancelMu.Unlock()
	defer func() {
		cancelRun()
		q.cancelMu.Lock()
		delete(q.cancelRuns, taskID)
		q.cancelMu.Unlock()
	}()

	emitAudit(ctx, q.sink, cap, task.Context, audit.EventStarted, task.Input, nil, "", "", nil)
	EmitTaskStarted(ctx, taskID, cap.ID, workerID)

	progress := func(percent float64, message string) {
		_ = q.UpdateProgress(ctx, taskID, percent, message)
	}
	handler := cap.Handler
	if task.Context != nil && task.Context.HandlerOverride != nil {
		handler = task.Context.HandlerOverride
	}
	call := core.NewCall(task.Input, task.Context, progress, nil)

	started := time.Now()
	result, runErr := runHandler(runCtx, cap.Execution.Timeout, handler, call)
	duration := time.Since(started)

	// Reload to honor a cancellation that landed while the handler ran.
	current, err := q.loadTask(ctx, taskID)
	if err != nil {
		return
	}
	if current.Status.IsTerminal() {
		return // cancel won the race; discard the result
	}
	task = current

	if runErr == nil {
		completed := time.Now().UTC()
		task.Status = core.StatusCompleted
		task.Result = result
		task.CompletedAt = &completed
		task.ProgressPercent = 100
		task.AddTrace(core.StatusCompleted, "")
		_ = q.saveTask(ctx, task)

		emitAudit(ctx, q.sink, cap, task.Context, audit.EventCompleted, task.Input, result, "", "", task.DurationMS())
		EmitTaskCompleted(ctx, taskID, cap.ID, duration)

		q.logger.Info("Task completed", map[string]interface{}{
			"task_id":       taskID,
			"capability_id": cap.ID,
			"duration_ms":   duration.Milliseconds(),
		})
		return
	}

	etype := errorType(runErr)
	retryable := etype == core.ErrorTypeExecution || etype == core.ErrorTypeTimeout || etype == core.ErrorTypePanic

	if retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := policyFor(cap.Execution).Delay(task.RetryCount)
		nextRetry := time.Now().UTC().Add(delay)
		task.Status = core.StatusRetry
		task.NextRetryAt = &nextRetry
		task.Error = runErr.Error()
		task.ErrorType = etype
		task.AddTrace(core.StatusRetry, fmt.Sprintf("retry %d/%d in %s", task.RetryCount, task.MaxRetries, delay))
		if err := q.saveTask(ctx, task); err == nil {
			q.client.ZAdd(ctx, q.delayedKey(), &redis.Z{
				Score:  float64(nextRetry.UnixNano()),
				Member: taskID,
			})
		}

		emitAudit(ctx, q.sink, cap, task.Context, audit.EventRetry, task.Input, nil, runErr.Error(), etype, nil)
		EmitTaskRetry(ctx, taskID, cap.ID, task.RetryCount)

		q.logger.Warn("Task scheduled for retry", map[string]interface{}{
			"task_id":       taskID,
			"capability_id": cap.ID,
			"retry_count":   task.RetryCount,
			"max_retries":   task.MaxRetries,
			"error":         runErr.Error(),
		})
		return
	}

	completed := time.Now().UTC()
	task.Status = terminalStatus(runErr)
	task.Error = runErr.Error()
	task.ErrorType = etype
	task.CompletedAt = &completed
	task.AddTrace(task.Status, "")
	_ = q.saveTask(ctx, task)

	eventType := audit.EventFailed
	if task.Status == core.StatusTimeout {
		eventType = audit.EventTimeout
	} else if task.Status == core.StatusCancelled {
		eventType = audit.EventCancelled
	}
	emitAudit(ctx, q.sink, cap, task.Context, eventType, task.Input, nil, runErr.Error(), etype, task.DurationMS())
	EmitTaskFailed(ctx, taskID, cap.ID, string(task.Status), duration)

	q.logger.Error("Task failed", map[string]interface{}{
		"task_id":       taskID,
		"capability_id": cap.ID,
		"status":        string(task.Status),
		"retry_count":   task.RetryCount,
		"error":         runErr.Error(),
	})
}

func (q *RedisTaskQueue) saveTask(ctx context.Context, task *core.TaskResult) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.Set(ctx, q.taskKey(task.TaskID), data, q.config.TaskTTL).Err()
}

func (q *RedisTaskQueue) loadTask(ctx context.Context, taskID string) (*core.TaskResult, error) {
	data, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var task core.TaskResult
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

var _ TaskQueue = (*RedisTaskQueue)(nil)
