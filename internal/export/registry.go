// Package export collects the named values a stack publishes.
package export

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/deckhand/internal/value"
)

// Registry maps export names to cells. Re-exporting a name replaces it.
type Registry struct {
	mu      sync.Mutex
	cells   map[string]*value.Cell
	secrets map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cells:   make(map[string]*value.Cell),
		secrets: make(map[string]bool),
	}
}

// Export records c under name, replacing any earlier export of that name.
func (r *Registry) Export(name string, c *value.Cell) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells[name] = c
	delete(r.secrets, name)
}

// ExportValue exports a literal.
func (r *Registry) ExportValue(name string, v any) {
	r.Export(name, value.Resolved(v))
}

// ExportSecret exports c and marks it for masking when displayed.
func (r *Registry) ExportSecret(name string, c *value.Cell) {
	r.Export(name, c)
	r.mu.Lock()
	r.secrets[name] = true
	r.mu.Unlock()
}

// IsSecret reports whether name was exported with ExportSecret.
func (r *Registry) IsSecret(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secrets[name]
}

// Names returns the registered export names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.cells))
	for name := range r.cells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rendered holds the outcome of every export. A name appears in exactly one
// of Values or Errors.
type Rendered struct {
	Values  map[string]any
	Errors  map[string]error
	Secrets map[string]bool
}

// Err summarizes per-key failures, or returns nil when there are none.
func (r *Rendered) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("%d export(s) failed: %v", len(names), names)
}

// Render waits for every exported cell to settle. A failed cell is reported
// under its own name and does not affect the others. If ctx ends first,
// unsettled exports are reported with the context error.
func (r *Registry) Render(ctx context.Context) *Rendered {
	r.mu.Lock()
	cells := make(map[string]*value.Cell, len(r.cells))
	for name, c := range r.cells {
		cells[name] = c
	}
	secrets := make(map[string]bool, len(r.secrets))
	for name := range r.secrets {
		secrets[name] = true
	}
	r.mu.Unlock()

	out := &Rendered{
		Values:  make(map[string]any),
		Errors:  make(map[string]error),
		Secrets: secrets,
	}
	var mu sync.Mutex

	// Goroutines never return an error, so one failed export cannot cancel the rest.
	var g errgroup.Group
	for name, c := range cells {
		g.Go(func() error {
			v, err := c.Await(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors[name] = err
			} else {
				out.Values[name] = v
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
