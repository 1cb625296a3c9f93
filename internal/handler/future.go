package handler

import (
	"context"
	"sync"
)

// Future is the eventual result of an operation. It resolves once.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
	cancel func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already completed future.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result. If ctx ends first the operation is cancelled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		f.Cancel()
		<-f.done
		return f.value, f.err
	}
}

// Cancel stops the operation. Requests in flight become late responses.
func (f *Future[T]) Cancel() {
	var zero T
	f.resolve(zero, ErrCancelled)
	if f.cancel != nil {
		f.cancel()
	}
}
