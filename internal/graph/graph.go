// Package graph builds the dependency graph of declared resources. Edges are
// inferred from the cells embedded in a resource's inputs and from explicit
// dependencies, and every edge is checked for cycles as it is added.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/value"
)

// Graph is a DAG of resource nodes. deps[a] holds the addresses a depends on.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*resource.Node
	index      map[string]int
	order      []string
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}

	// pending holds explicit dependencies on resources not declared yet,
	// keyed by the missing target.
	pending map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*resource.Node),
		index:      make(map[string]int),
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
		pending:    make(map[string][]string),
	}
}

// Declare creates a node and records its dependencies. On error the graph
// is left unchanged.
func (g *Graph) Declare(typ, name string, inputs value.Map, opts ...resource.Option) (*resource.Node, error) {
	if typ == "" || name == "" {
		return nil, &InvalidDeclarationError{Type: typ, Name: name, Reason: "type and name are required"}
	}
	if strings.Contains(name, ".") {
		return nil, &InvalidDeclarationError{Type: typ, Name: name, Reason: "name must not contain '.'"}
	}

	n := resource.New(typ, name, inputs, opts...)
	addr := n.Addr()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[addr]; exists {
		return nil, &DuplicateResourceError{Addr: addr}
	}

	deps := make(map[string]struct{})
	for _, owner := range value.Owners(inputs) {
		if owner == addr {
			return nil, &CyclicDependencyError{Path: []string{addr, addr}}
		}
		if _, ok := g.nodes[owner]; !ok {
			return nil, &DependencyNotFoundError{From: addr, To: owner}
		}
		deps[owner] = struct{}{}
	}

	var later []string
	for _, dep := range n.Options().DependsOn {
		if dep == addr {
			return nil, &CyclicDependencyError{Path: []string{addr, addr}}
		}
		if _, ok := g.nodes[dep]; ok {
			deps[dep] = struct{}{}
		} else {
			later = append(later, dep)
		}
	}

	// Dependents that named this node before it existed. A new node has no
	// incoming edges yet, so a cycle needs a path from here back to one of them.
	waiting := g.pending[addr]
	for _, w := range waiting {
		if path := g.pathFrom(deps, w); path != nil {
			return nil, &CyclicDependencyError{Path: append([]string{w, addr}, path...)}
		}
	}

	g.nodes[addr] = n
	g.index[addr] = len(g.order)
	g.order = append(g.order, addr)
	g.deps[addr] = deps
	g.dependents[addr] = make(map[string]struct{})
	for dep := range deps {
		g.dependents[dep][addr] = struct{}{}
	}
	for _, w := range waiting {
		g.deps[w][addr] = struct{}{}
		g.dependents[addr][w] = struct{}{}
	}
	delete(g.pending, addr)
	for _, dep := range later {
		if !slices.Contains(g.pending[dep], addr) {
			g.pending[dep] = append(g.pending[dep], addr)
		}
	}

	return n, nil
}

// AddDependency records that dependent depends on dependency. Both must be
// declared. It fails with CyclicDependencyError if dependency already
// depends on dependent, leaving the graph unchanged.
func (g *Graph) AddDependency(dependent, dependency string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[dependent]; !ok {
		return &DependencyNotFoundError{From: dependency, To: dependent}
	}
	if _, ok := g.nodes[dependency]; !ok {
		return &DependencyNotFoundError{From: dependent, To: dependency}
	}
	if dependent == dependency {
		return &CyclicDependencyError{Path: []string{dependent, dependent}}
	}
	if _, ok := g.deps[dependent][dependency]; ok {
		return nil
	}
	if path := g.pathFrom(g.deps[dependency], dependent); path != nil {
		return &CyclicDependencyError{Path: append([]string{dependent, dependency}, path...)}
	}

	g.deps[dependent][dependency] = struct{}{}
	g.dependents[dependency][dependent] = struct{}{}
	return nil
}

// pathFrom searches for target starting from the nodes in start, following
// dependency edges. It returns the path ending at target, or nil.
func (g *Graph) pathFrom(start map[string]struct{}, target string) []string {
	visited := make(map[string]bool)
	var dfs func(addr string) []string
	dfs = func(addr string) []string {
		if addr == target {
			return []string{addr}
		}
		if visited[addr] {
			return nil
		}
		visited[addr] = true
		for _, next := range g.sortedSet(g.deps[addr]) {
			if p := dfs(next); p != nil {
				return append([]string{addr}, p...)
			}
		}
		return nil
	}
	for _, s := range g.sortedSet(start) {
		if p := dfs(s); p != nil {
			return p
		}
	}
	return nil
}

// Validate reports explicit dependencies on resources that were never declared.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var missing []string
	for target := range g.pending {
		missing = append(missing, target)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	var errs []error
	for _, target := range missing {
		for _, from := range g.pending[target] {
			errs = append(errs, &DependencyNotFoundError{From: from, To: target})
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%d unresolved dependencies: %w", len(errs), errors.Join(errs...))
}

// Node returns the node at addr.
func (g *Graph) Node(addr string) (*resource.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[addr]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*resource.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*resource.Node, len(g.order))
	for i, addr := range g.order {
		out[i] = g.nodes[addr]
	}
	return out
}

// Len returns the number of declared nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Dependencies returns the direct dependencies of addr in declaration order.
func (g *Graph) Dependencies(addr string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedSet(g.deps[addr])
}

// Dependents returns the nodes that directly depend on addr in declaration order.
func (g *Graph) Dependents(addr string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedSet(g.dependents[addr])
}

// TransitiveDependencies returns addrs together with everything they depend
// on, directly or indirectly.
func (g *Graph) TransitiveDependencies(addrs ...string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closure(addrs, g.deps)
}

// TransitiveDependents returns addrs together with everything that depends
// on them, directly or indirectly.
func (g *Graph) TransitiveDependents(addrs ...string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closure(addrs, g.dependents)
}

func (g *Graph) closure(addrs []string, edges map[string]map[string]struct{}) map[string]bool {
	seen := make(map[string]bool)
	stack := slices.Clone(addrs)
	for len(stack) > 0 {
		addr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[addr] {
			continue
		}
		seen[addr] = true
		for next := range edges[addr] {
			stack = append(stack, next)
		}
	}
	return seen
}

// Order returns a topological order with dependencies first. Ties are broken
// by declaration order, so the result is deterministic.
func (g *Graph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.order))
	var ready []string
	for _, addr := range g.order {
		inDegree[addr] = len(g.deps[addr])
		if inDegree[addr] == 0 {
			ready = append(ready, addr)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		addr := ready[0]
		ready = ready[1:]
		sorted = append(sorted, addr)

		for _, dependent := range g.sortedSet(g.dependents[addr]) {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = g.insertByIndex(ready, dependent)
			}
		}
	}
	return sorted
}

// ReverseOrder returns the destruction order: dependents before dependencies.
func (g *Graph) ReverseOrder() []string {
	order := g.Order()
	slices.Reverse(order)
	return order
}

func (g *Graph) insertByIndex(queue []string, addr string) []string {
	i := sort.Search(len(queue), func(i int) bool { return g.index[queue[i]] > g.index[addr] })
	return slices.Insert(queue, i, addr)
}

func (g *Graph) sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}
