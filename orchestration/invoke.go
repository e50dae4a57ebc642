package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/finsight/capcore/core"
)

// HandlerPanicError wraps a recovered handler panic.
type HandlerPanicError struct {
	Value any
	Stack string
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// invokeOutcome carries a handler's return values across the goroutine
// boundary.
type invokeOutcome struct {
	result any
	err    error
}

// runHandler invokes the handler under a deadline with panic recovery.
//
// The handler runs on its own goroutine; when the deadline fires before it
// returns, the caller gets core.ErrExecutionTimeout and any late result is
// discarded: the goroutine writes into a buffered channel nobody reads.
// Enforcement is cooperative: a handler that ignores ctx keeps running
// after its TIMEOUT result has been returned.
func runHandler(ctx context.Context, timeout time.Duration, handler core.Handler, call *core.Call) (any, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: &HandlerPanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		result, err := handler(runCtx, call)
		done <- invokeOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, core.ErrExecutionTimeout
		}
		return nil, core.ErrExecutionCancelled
	}
}

// errorType classifies a handler error for result records and audit events.
func errorType(err error) string {
	var pe *HandlerPanicError
	if errors.As(err, &pe) {
		return core.ErrorTypePanic
	}
	return core.ErrorType(err)
}

// terminalStatus maps a handler error onto the terminal status it produces.
func terminalStatus(err error) core.ExecutionStatus {
	switch errorType(err) {
	case core.ErrorTypeTimeout:
		return core.StatusTimeout
	case core.ErrorTypeCancelled:
		return core.StatusCancelled
	default:
		return core.StatusFailed
	}
}
