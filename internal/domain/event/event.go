// event holds the publish/subscribe and waiting primitives shared by the replication core
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event is a synchronous publish/subscribe channel. The zero value is ready to use.
//
// Subscribers are invoked on the emitting goroutine, in subscription order. A subscriber
// that unsubscribes while an Emit is in flight may still receive that one value.
type Event[T any] struct {
	mu     sync.Mutex
	nextId uint64
	subs   []subscriber[T] // copy-on-write
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it again
func (e *Event[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextId++
	id := e.nextId
	next := make([]subscriber[T], 0, len(e.subs)+1)
	next = append(next, e.subs...)
	e.subs = append(next, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.remove(id)
		})
	}
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make([]subscriber[T], 0, len(e.subs))
	for _, s := range e.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	e.subs = next
}

// Emit calls every current subscriber with v before returning
func (e *Event[T]) Emit(v T) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Subscribers returns the number of current subscribers
func (e *Event[T]) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Timeout is returned by waits that did not see their condition in time
type Timeout struct {
	Waited time.Duration
}

func (t Timeout) Error() string {
	return fmt.Sprintf("Timed out after waiting [%v]", t.Waited)
}

// IsTimeout tells whether err is, or wraps, a Timeout
func IsTimeout(err error) bool {
	var timeout Timeout
	return errors.As(err, &timeout)
}

// WaitFor blocks until check returns true, re-evaluating it on every emission of ev.
//
// Returns a Timeout if the condition is not met within timeout, or the context's error
// if it is cancelled first. A non-positive timeout waits for the context only.
func WaitFor[T any](ctx context.Context, ev *Event[T], timeout time.Duration, check func() bool) error {
	if check() {
		return nil
	}
	ready := make(chan struct{}, 1)
	unsubscribe := ev.Subscribe(func(T) {
		if check() {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// The condition may have flipped between the first check and subscribing
	if check() {
		return nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return Timeout{Waited: timeout}
	}
}
