// Package provider resolves provider names used by a stack to the built-in
// implementations.
package provider

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/picklr-io/deckhand/internal/config"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
	"github.com/picklr-io/deckhand/providers/aws"
	"github.com/picklr-io/deckhand/providers/docker"
	"github.com/picklr-io/deckhand/providers/kubernetes"
	"github.com/picklr-io/deckhand/providers/null"
)

// Factory creates a provider. It is called at most once per registry.
type Factory func() provider.Provider

var builtins = map[string]Factory{
	"null":       func() provider.Provider { return null.New() },
	"docker":     func() provider.Provider { return docker.New() },
	"aws":        func() provider.Provider { return aws.New() },
	"kubernetes": func() provider.Provider { return kubernetes.New() },
}

// Builtins returns the names of the providers compiled into the binary.
func Builtins() []string {
	return slices.Sorted(maps.Keys(builtins))
}

// Registry creates providers on first use and configures them from the
// stack's "<provider>:<key>" settings.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]provider.Provider
	config    *config.Config
}

// NewRegistry returns a registry of the built-in providers configured from
// cfg. cfg may be nil.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		factories: maps.Clone(builtins),
		providers: make(map[string]provider.Provider),
		config:    cfg,
	}
}

// Register installs an already constructed provider under its name. It
// replaces any built-in of the same name and is not configured.
func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider called name, creating and configuring it on the
// first call.
func (r *Registry) Get(ctx context.Context, name string) (provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	p := factory()
	if c, ok := p.(provider.Configurer); ok {
		settings := r.settings(name)
		logging.FromContext(ctx).Debug("Configuring provider", "provider", name, "keys", len(settings))
		if err := c.Configure(ctx, &provider.ConfigureRequest{Config: settings}); err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", name, err)
		}
	}
	r.providers[name] = p
	return p, nil
}

// settings collects the config keys prefixed with "name:".
func (r *Registry) settings(name string) map[string]string {
	out := map[string]string{}
	if r.config == nil {
		return out
	}
	prefix := name + ":"
	for _, key := range r.config.Keys() {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			out[rest] = r.config.Get(key, "")
		}
	}
	return out
}
