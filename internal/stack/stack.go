// Package stack ties a manifest, its configuration, the resource graph and
// the export registry together for one deployment target.
package stack

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/picklr-io/deckhand/internal/config"
	"github.com/picklr-io/deckhand/internal/export"
	"github.com/picklr-io/deckhand/internal/graph"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/manifest"
)

// Stack is the context a run works on. Nothing outside it holds
// declarations or exports.
type Stack struct {
	Name    string
	Project string
	Dir     string

	Config  *config.Config
	Graph   *graph.Graph
	Exports *export.Registry

	// Addrs maps manifest resource names to graph addresses.
	Addrs map[string]string
}

// New returns an empty stack. Callers declare resources on Graph and
// exports on Exports directly.
func New(name string, cfg *config.Config) *Stack {
	if cfg == nil {
		cfg = config.New(name, nil)
	}
	return &Stack{
		Name:    name,
		Config:  cfg,
		Graph:   graph.New(),
		Exports: export.NewRegistry(),
		Addrs:   map[string]string{},
	}
}

// Load reads the manifest in dir and the configuration for the named stack,
// and builds the graph.
func Load(ctx context.Context, dir, name string, overrides map[string]string) (*Stack, error) {
	log := logging.FromContext(ctx)

	path, err := manifest.Find(dir)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(ctx, dir, name, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for stack %s: %w", name, err)
	}

	s := New(name, cfg)
	s.Project = m.Name
	s.Dir = dir
	addrs, err := manifest.Build(m, cfg, s.Graph, s.Exports)
	if err != nil {
		return nil, err
	}
	s.Addrs = addrs

	log.Debug("Stack loaded", "project", s.Project, "stack", name, "manifest", filepath.Base(path), "resources", s.Graph.Len())
	return s, nil
}
