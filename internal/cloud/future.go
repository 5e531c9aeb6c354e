package cloud

import (
	"context"
	"sync"
)

// Operation is the deferred result of an asynchronous provider call.
// It resolves exactly once, with nil on success.
type Operation interface {
	// Wait blocks until the operation resolves or ctx is done.
	Wait(ctx context.Context) error
}

// Future is the Operation implementation shared by all connectors.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Compile-time check.
var _ Operation = (*Future)(nil)

// NewFuture returns an unresolved future and the function that resolves
// it.  Only the first call to resolve has an effect.
func NewFuture() (*Future, func(error)) {
	f := &Future{done: make(chan struct{})}
	return f, f.resolve
}

// Go runs fn on its own goroutine and returns a future for its result.
// The caller never blocks.
func Go(ctx context.Context, fn func(context.Context) error) *Future {
	f, resolve := NewFuture()
	go func() {
		resolve(fn(ctx))
	}()
	return f
}

// Failed returns an already resolved future carrying err.
func Failed(err error) *Future {
	f, resolve := NewFuture()
	resolve(err)
	return f
}

// Succeeded returns an already resolved successful future.
func Succeeded() *Future {
	return Failed(nil)
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
