package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Call is the handle of an asynchronous provider request. The request runs
// on its own goroutine under a context that is cancelled by Cancel, by the
// call timeout, or when the parent context ends; cancellation aborts the
// outstanding HTTP request.
type Call[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Go starts fn asynchronously. A positive timeout bounds the call; an
// expired deadline is reported as ErrTimeout.
func Go[T any](parent context.Context, op string, timeout time.Duration, fn func(context.Context) (T, error)) *Call[T] {
	ctx, cancel := context.WithCancel(parent)
	if timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, timeout)
	}

	c := &Call[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(c.done)
		defer cancel()
		v, err := fn(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = &ProviderError{Kind: KindTimeout, Op: op, Message: "deadline exceeded", Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		c.val, c.err = v, err
	}()
	return c
}

func withTimeout(ctx context.Context, cancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// Await blocks until the call finishes or ctx ends. When ctx ends first the
// call is cancelled and the context error is returned; the caller never
// blocks on an abandoned request.
func (c *Call[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		c.cancel()
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// Cancel abandons the call. It is safe to call more than once.
func (c *Call[T]) Cancel() {
	c.cancel()
}

// Done is closed once the call has finished, successfully or not.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}
