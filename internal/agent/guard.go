package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// guard runs fn in its own goroutine bounded by timeout and converts a panic
// into an error. It returns as soon as ctx is done even if fn does not.
func guard[T any](ctx context.Context, timeout time.Duration, step string, fn func(context.Context) (T, error)) (T, error) {
	v, _, err := spawn(ctx, timeout, step, fn)
	return v, err
}

// spawn is guard that also hands back a channel closed once fn has really
// returned, which after a timeout is later than spawn itself.
func spawn[T any](ctx context.Context, timeout time.Duration, step string, fn func(context.Context) (T, error)) (T, <-chan struct{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{step: step, value: r, stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, finished, r.err
	case <-ctx.Done():
		var zero T
		return zero, finished, fmt.Errorf("%s: %w", step, ctx.Err())
	}
}

type panicError struct {
	step  string
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.step, e.value)
}

// pageSteps serialises the steps of one session that drive its interface.
// A step that outlived its timeout holds the interface until it returns.
type pageSteps struct {
	pending <-chan struct{}
}

// settle waits for a step left running by an earlier timeout.
func (p *pageSteps) settle(ctx context.Context) error {
	if p.pending == nil {
		return nil
	}
	select {
	case <-p.pending:
		p.pending = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pageSteps) busy() bool {
	if p.pending == nil {
		return false
	}
	select {
	case <-p.pending:
		p.pending = nil
		return false
	default:
		return true
	}
}
