package correlate

import (
	"context"
	"fmt"
	"sync"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
)

type callback[T any] struct {
	fn func(T, error)
	// always runs even when the future is canceled.
	always bool
}

// Future is the single-resolution result of a correlated request.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	resolved  bool
	canceled  bool
	callbacks []callback[T]
	onCancel  func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete. Useful for failing
// before any request is sent.
func Resolved[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, err)
	return f
}

func (f *Future[T]) setCancel(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCancel = fn
}

// complete resolves the future. It returns false if it was already resolved.
func (f *Future[T]) complete(value T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.value, f.err = value, err
	f.resolved = true
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		runCallback(cb.fn, value, err)
	}
	return true
}

func runCallback[T any](fn func(T, error), value T, err error) {
	defer func() { _ = recover() }()
	fn(value, err)
}

// Done returns a channel closed once the future is resolved or canceled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done. A ctx error leaves
// the request pending; call Cancel to abandon it.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.resolved
}

// OnComplete registers fn to run once with the outcome. If the future is
// already resolved fn runs immediately on the calling goroutine. Callbacks
// never run for a canceled future.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.addCallback(callback[T]{fn: fn})
}

func (f *Future[T]) addCallback(cb callback[T]) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	canceled := f.canceled
	value, err := f.value, f.err
	f.mu.Unlock()

	if !canceled || cb.always {
		runCallback(cb.fn, value, err)
	}
}

// Cancel abandons interest in the request. Waiters get ErrCanceled,
// registered callbacks are dropped and the pending entry is released.
// Nothing is sent to the service. It returns false if the future had
// already resolved.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	var zero T
	f.value, f.err = zero, emerrors.ErrCanceled
	f.resolved = true
	f.canceled = true
	var always []callback[T]
	for _, cb := range f.callbacks {
		if cb.always {
			always = append(always, cb)
		}
	}
	f.callbacks = nil
	onCancel := f.onCancel
	close(f.done)
	f.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
	for _, cb := range always {
		runCallback(cb.fn, zero, emerrors.ErrCanceled)
	}
	return true
}

// Map derives a future whose value is fn applied to f's value. Errors pass
// through unchanged and fn is not called. Canceling the derived future
// cancels f.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := newFuture[U]()
	out.setCancel(func() { f.Cancel() })
	f.addCallback(callback[T]{always: true, fn: func(v T, err error) {
		var zero U
		defer func() {
			if r := recover(); r != nil {
				out.complete(zero, fmt.Errorf("correlate: map function panicked: %v", r))
			}
		}()
		if err != nil {
			out.complete(zero, err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.complete(zero, err)
			return
		}
		out.complete(u, nil)
	}})
	return out
}
