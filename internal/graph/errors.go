package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeclaration classifies every error that invalidates the declared graph.
// These are fatal before any resource is applied.
var ErrDeclaration = errors.New("declaration error")

// DuplicateResourceError means a name is declared twice for one type.
type DuplicateResourceError struct {
	Addr string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("duplicate resource: %s", e.Addr)
}

func (e *DuplicateResourceError) Unwrap() error { return ErrDeclaration }

// CyclicDependencyError means closing an edge would create a cycle. Path
// starts and ends with the same address.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicDependencyError) Unwrap() error { return ErrDeclaration }

// DependencyNotFoundError means a dependency names a resource that is not declared.
type DependencyNotFoundError struct {
	From string
	To   string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("dependency not found: %s -> %s", e.From, e.To)
}

func (e *DependencyNotFoundError) Unwrap() error { return ErrDeclaration }

// InvalidDeclarationError reports a malformed type or name.
type InvalidDeclarationError struct {
	Type   string
	Name   string
	Reason string
}

func (e *InvalidDeclarationError) Error() string {
	return fmt.Sprintf("invalid resource %q %q: %s", e.Type, e.Name, e.Reason)
}

func (e *InvalidDeclarationError) Unwrap() error { return ErrDeclaration }
