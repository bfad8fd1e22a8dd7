package agent

import (
	"context"
	"time"
)

// Timeout defaults. Every LLM and tool call runs under the step
// timeout; a whole visit is bounded by maxSteps times the step
// timeout. After cancellation, in-flight calls get the quiescence
// period to stop before they are abandoned.
const (
	DefaultStepTimeout = 60 * time.Second
	DefaultQuiescence  = 5 * time.Second
)

// await runs fn under a timeout. If the context is cancelled or the
// timeout fires, the call gets grace to wind down; afterwards it is
// abandoned and the context error is returned. The goroutine running
// an abandoned fn is leaked until fn returns on its own, which is the
// price of never parking a run behind an unresponsive provider.
func await[T any](ctx context.Context, timeout, grace time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-callCtx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		var zero T
		return zero, callCtx.Err()
	}
}
