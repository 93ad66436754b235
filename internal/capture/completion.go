package capture

import (
	"context"
	"sync"
)

// Completion is the eventual result of retiring one buffer.
type Completion[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Completed returns a completion that is already resolved.
func Completed[T any](value T, err error) *Completion[T] {
	c := newCompletion[T]()
	c.resolve(value, err)
	return c
}

func (c *Completion[T]) resolve(value T, err error) {
	c.once.Do(func() {
		c.value, c.err = value, err
		close(c.done)
	})
}

// Done is closed once the result is available.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the result is available or ctx is done.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved reports whether the result is available.
func (c *Completion[T]) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
