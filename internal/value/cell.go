// Package value implements single-assignment cells for resource outputs
// that are not known until the resource producing them has been applied.
package value

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrAlreadyResolved is returned when a settled cell is resolved or failed again.
	ErrAlreadyResolved = errors.New("cell already resolved")

	// ErrUnknown marks a value that cannot be known until apply, such as the
	// outputs of a resource that a preview would create or update.
	ErrUnknown = errors.New("value unknown until apply")

	// ErrPending is returned by Peek while the cell is unsettled.
	ErrPending = errors.New("cell not yet resolved")
)

// Cell is a single-assignment future. It settles exactly once, either with a
// value or with an error. Continuations registered before it settles run in
// registration order on a single goroutine once it does.
type Cell struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     any
	err     error
	owners  []string
	conts   []func()
}

// NewCell returns an unsettled cell owned by the given node addresses.
func NewCell(owners ...string) *Cell {
	return &Cell{
		done:   make(chan struct{}),
		owners: normalizeOwners(owners),
	}
}

// Resolved returns a cell already settled with v.
func Resolved(v any, owners ...string) *Cell {
	c := NewCell(owners...)
	_ = c.Resolve(v)
	return c
}

// Failed returns a cell already settled with err.
func Failed(err error, owners ...string) *Cell {
	c := NewCell(owners...)
	_ = c.Fail(err)
	return c
}

// Resolve settles the cell with v.
func (c *Cell) Resolve(v any) error {
	return c.settle(v, nil)
}

// Fail settles the cell with err.
func (c *Cell) Fail(err error) error {
	if err == nil {
		return fmt.Errorf("fail: nil error")
	}
	return c.settle(nil, err)
}

func (c *Cell) settle(v any, err error) error {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return ErrAlreadyResolved
	}
	c.settled = true
	c.val, c.err = v, err
	conts := c.conts
	c.conts = nil
	close(c.done)
	c.mu.Unlock()

	if len(conts) > 0 {
		go func() {
			for _, k := range conts {
				k()
			}
		}()
	}
	return nil
}

// onSettle registers k to run after the cell settles. If it already has,
// k runs on a new goroutine so callers never execute it inline.
func (c *Cell) onSettle(k func()) {
	c.mu.Lock()
	if !c.settled {
		c.conts = append(c.conts, k)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go k()
}

// Done is closed once the cell has settled.
func (c *Cell) Done() <-chan struct{} {
	return c.done
}

// Owners returns the addresses of the resources whose outputs feed this cell.
func (c *Cell) Owners() []string {
	return slices.Clone(c.owners)
}

// Peek returns the settled value without blocking, or ErrPending.
func (c *Cell) Peek() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return nil, ErrPending
	}
	return c.val, c.err
}

// Await blocks until the cell settles or ctx is done.
func (c *Cell) Await(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Map returns a cell that settles with f applied to this cell's value.
// If this cell fails, the derived cell fails with the same error and f is
// not called. An error or panic from f fails the derived cell.
func (c *Cell) Map(f func(any) (any, error)) *Cell {
	child := NewCell(c.owners...)
	c.onSettle(func() {
		v, err := c.Peek()
		if err != nil {
			_ = child.Fail(err)
			return
		}
		out, err := call(f, v)
		if err != nil {
			_ = child.Fail(err)
			return
		}
		_ = child.Resolve(out)
	})
	return child
}

func call(f func(any) (any, error), v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cell transform: %v", r)
		}
	}()
	return f(v)
}

// All returns a cell that resolves to the values of cells, in order, once
// every one of them has resolved. It fails with the error of the first cell
// (by position) that failed.
func All(cells ...*Cell) *Cell {
	var owners []string
	for _, c := range cells {
		owners = append(owners, c.owners...)
	}
	out := NewCell(owners...)
	if len(cells) == 0 {
		_ = out.Resolve([]any{})
		return out
	}

	var (
		mu        sync.Mutex
		remaining = len(cells)
	)
	for _, c := range cells {
		c.onSettle(func() {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if !last {
				return
			}

			vals := make([]any, len(cells))
			for i, c := range cells {
				v, err := c.Peek()
				if err != nil {
					_ = out.Fail(err)
					return
				}
				vals[i] = v
			}
			_ = out.Resolve(vals)
		})
	}
	return out
}

func normalizeOwners(owners []string) []string {
	if len(owners) == 0 {
		return nil
	}
	out := slices.Clone(owners)
	slices.Sort(out)
	return slices.Compact(out)
}
