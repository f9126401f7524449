// Package settle provides a single-assignment settlement cell.
//
// A Cell accepts at most one Resolve or Reject; every later attempt is
// ignored. This makes "first event wins" races (connect vs. error vs. close)
// explicit instead of relying on ad-hoc boolean flags next to each callback.
package settle

import (
	"context"
	"sync"
)

// Cell settles exactly once with either a value or an error.
type Cell[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	val  T
	err  error
}

func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Resolve settles the cell with val. It reports whether this call won the
// settlement race.
func (c *Cell[T]) Resolve(val T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.val = val
	close(c.done)
	return true
}

// Reject settles the cell with err. It reports whether this call won the
// settlement race.
func (c *Cell[T]) Reject(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.err = err
	close(c.done)
	return true
}

// Done is closed once the cell has settled either way.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether the cell has settled.
func (c *Cell[T]) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Value returns the settlement. It must only be called after Done is closed.
func (c *Cell[T]) Value() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.err
}

// Wait blocks until the cell settles or ctx is done.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.Value()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
