package event

import (
	"context"
	"sync"
)

// Future is a value that settles exactly once, either with a value or with an error
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the Future with v. Returns false if it had already settled.
func (f *Future[T]) Resolve(v T) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		settled = true
		close(f.done)
	})
	return settled
}

// Fail settles the Future with err. Returns false if it had already settled.
func (f *Future[T]) Fail(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the Future has settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the Future settles or the context is done
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
