package capcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/capcore/audit"
	"github.com/finsight/capcore/core"
	"github.com/finsight/capcore/orchestration"
)

func TestAppEndToEnd(t *testing.T) {
	sink := audit.NewMemoryLogger(0)
	app := New(
		WithAuditLogger(sink),
		WithConfig(&core.Config{
			Queue: core.QueueConfig{
				WorkerCount:     2,
				Capacity:        50,
				ShutdownTimeout: 5 * time.Second,
				CleanupMaxAge:   time.Hour,
			},
			Audit:          core.AuditLimits{MaxEvents: 1000},
			DefaultTimeout: 5 * time.Second,
		}),
	)

	app.MustRegister(&core.Capability{
		ID:    "quote",
		Group: core.GroupMarket,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			return map[string]any{"symbol": call.Input["symbol"], "price": 101.5}, nil
		},
		Params: []core.ParamSpec{
			{Name: "symbol", Type: "string", Required: true},
		},
		Audit: core.DefaultAuditConfig(),
	})
	app.MustRegister(&core.Capability{
		ID:    "rebalance",
		Group: core.GroupPortfolio,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			call.ReportProgress(50, "computing drift")
			return map[string]any{"trades": 4}, nil
		},
		Execution: core.ExecutionConfig{Mode: core.ModeAsync, Timeout: time.Second},
		Audit:     core.DefaultAuditConfig(),
	})

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	defer func() {
		require.NoError(t, app.Shutdown(context.Background()))
	}()

	// Synchronous execution.
	result, err := app.Execute(ctx, "quote", map[string]any{"symbol": "AAPL"}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, result.Status)
	assert.Equal(t, 101.5, result.Result.(map[string]any)["price"])

	// Asynchronous execution with polling.
	task, err := app.ExecuteAsync(ctx, "rebalance", nil, nil, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	var final *core.TaskResult
	for time.Now().Before(deadline) {
		final, err = app.Status(ctx, task.TaskID)
		require.NoError(t, err)
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, final)
	assert.Equal(t, core.StatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"trades": 4}, final.Result)

	// Both executions left an audit trail.
	count, err := sink.Count(ctx, audit.Filter{CapabilityID: "quote"})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "started and completed events for the sync call")

	queuedEvents, err := sink.Count(ctx, audit.Filter{CapabilityID: "rebalance", Type: audit.EventQueued})
	require.NoError(t, err)
	assert.Equal(t, 1, queuedEvents)
}

func TestAppCancelThroughFacade(t *testing.T) {
	app := New()
	app.MustRegister(&core.Capability{
		ID:    "deferred",
		Group: core.GroupSystem,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			return nil, nil
		},
		Execution: core.ExecutionConfig{Mode: core.ModeAsync, Timeout: time.Second},
	})

	ctx := context.Background()
	// The queue is intentionally not started: the task stays queued.
	countdown := time.Minute
	task, err := app.ExecuteAsync(ctx, "deferred", nil, nil, &orchestration.EnqueueOptions{
		Countdown: countdown,
	})
	require.NoError(t, err)

	assert.True(t, app.Cancel(ctx, task.TaskID))
	assert.False(t, app.Cancel(ctx, task.TaskID), "terminal tasks are not cancellable")

	got, err := app.Status(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
}

func TestAppDefaultsAreUsable(t *testing.T) {
	app := New()
	require.NotNil(t, app.Registry)
	require.NotNil(t, app.Orchestrator)
	require.NotNil(t, app.Queue)
	require.NotNil(t, app.Audit)

	app.MustRegister(&core.Capability{
		ID:    "ping",
		Group: core.GroupSystem,
		Handler: func(ctx context.Context, call *core.Call) (any, error) {
			return "pong", nil
		},
	})

	result, err := app.Execute(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Result)
}

func TestAppDuplicateRegistrationPanicsInMustRegister(t *testing.T) {
	app := New()
	cap := func() *core.Capability {
		return &core.Capability{
			ID:    "dup",
			Group: core.GroupSystem,
			Handler: func(ctx context.Context, call *core.Call) (any, error) {
				return nil, nil
			},
		}
	}
	app.MustRegister(cap())
	assert.Panics(t, func() { app.MustRegister(cap()) })
}
