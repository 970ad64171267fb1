package engine

import (
	"errors"
	"fmt"

	"github.com/picklr-io/deckhand/internal/ir"
)

var (
	// ErrSkipped fails the outputs of a node that never ran because an
	// upstream node failed or the run was cancelled.
	ErrSkipped = errors.New("skipped")

	// ErrProtected is returned when a run would delete a protected resource.
	ErrProtected = errors.New("resource is protected")
)

// ApplyError reports a failed provider operation on one resource.
type ApplyError struct {
	Addr string
	Op   ir.Action
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func skippedBy(addr string) error {
	return fmt.Errorf("%w: upstream %s failed", ErrSkipped, addr)
}

func skippedByStop(cause error) error {
	return fmt.Errorf("%w: run stopped: %w", ErrSkipped, cause)
}
