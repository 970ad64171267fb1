package manifest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/picklr-io/deckhand/internal/config"
	"github.com/picklr-io/deckhand/internal/export"
	"github.com/picklr-io/deckhand/internal/graph"
	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/value"
)

// Build declares every resource of m on g and registers its outputs on
// exports. Resources are declared so that anything a resource reads is
// declared before it. It returns the address of each resource by its
// manifest name.
func Build(m *ir.Config, cfg *config.Config, g *graph.Graph, exports *export.Registry) (map[string]string, error) {
	if err := cfg.ApplySchema(m.Config); err != nil {
		return nil, err
	}

	b := &builder{
		m:       m,
		cfg:     cfg,
		g:       g,
		addrs:   make(map[string]string, len(m.Resources)),
		reads:   make(map[string][]string, len(m.Resources)),
		visited: make(map[string]int, len(m.Resources)),
	}
	for name, r := range m.Resources {
		b.addrs[name] = resource.Address(r.Type, name)
	}
	for name, r := range m.Resources {
		reads, err := referencedResources(r.Properties, b.where(name))
		if err != nil {
			return nil, err
		}
		b.reads[name] = reads
	}

	names := make([]string, 0, len(m.Resources))
	for name := range m.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := b.visit(name); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	if err := b.exportOutputs(exports); err != nil {
		return nil, err
	}
	return b.addrs, nil
}

type builder struct {
	m   *ir.Config
	cfg *config.Config
	g   *graph.Graph

	addrs   map[string]string
	reads   map[string][]string
	visited map[string]int // 1 while on the stack, 2 once declared
	stack   []string

	// set when a template reads a secret config key
	secret bool
}

func (b *builder) where(name string) string {
	return "resources." + name
}

func (b *builder) visit(name string) error {
	switch b.visited[name] {
	case 2:
		return nil
	case 1:
		var path []string
		for i := len(b.stack) - 1; i >= 0; i-- {
			if b.stack[i] == name {
				for _, n := range b.stack[i:] {
					path = append(path, b.addrs[n])
				}
				break
			}
		}
		return &graph.CyclicDependencyError{Path: append(path, b.addrs[name])}
	}

	b.visited[name] = 1
	b.stack = append(b.stack, name)
	for _, dep := range b.reads[name] {
		if _, ok := b.m.Resources[dep]; !ok {
			return &graph.DependencyNotFoundError{From: b.addrs[name], To: dep}
		}
		if err := b.visit(dep); err != nil {
			return err
		}
	}
	b.stack = b.stack[:len(b.stack)-1]

	if err := b.declare(name); err != nil {
		return err
	}
	b.visited[name] = 2
	return nil
}

func (b *builder) declare(name string) error {
	r := b.m.Resources[name]
	props := r.Properties
	if props == nil {
		props = map[string]any{}
	}
	in, err := b.toInput(props, b.where(name))
	if err != nil {
		return err
	}
	inputs := in.(value.Map)

	var opts []resource.Option
	if r.Provider != "" {
		opts = append(opts, resource.WithProvider(r.Provider))
	}
	if o := r.Options; o != nil {
		deps := make([]string, 0, len(o.DependsOn))
		for _, d := range o.DependsOn {
			if addr, ok := b.addrs[d]; ok {
				deps = append(deps, addr)
			} else {
				deps = append(deps, d)
			}
		}
		if len(deps) > 0 {
			opts = append(opts, resource.DependsOn(deps...))
		}
		if o.Protect {
			opts = append(opts, resource.Protect())
		}
		if len(o.IgnoreChanges) > 0 {
			opts = append(opts, resource.IgnoreChanges(o.IgnoreChanges...))
		}
		if o.Timeout != "" {
			d, err := time.ParseDuration(o.Timeout)
			if err != nil {
				return fmt.Errorf("%s: invalid timeout %q: %w", b.where(name), o.Timeout, err)
			}
			opts = append(opts, resource.Timeout(d))
		}
	}

	_, err = b.g.Declare(r.Type, name, inputs, opts...)
	return err
}

// toInput converts decoded manifest data into an input, turning template
// strings into literals or cell references.
func (b *builder) toInput(v any, where string) (value.Input, error) {
	switch x := v.(type) {
	case string:
		if !isTemplate(x) {
			return value.String(x), nil
		}
		return b.interpolate(x, where)
	case map[string]any:
		out := make(value.Map, len(x))
		for k, e := range x {
			in, err := b.toInput(e, where+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = in
		}
		return out, nil
	case []any:
		out := make(value.List, len(x))
		for i, e := range x {
			in, err := b.toInput(e, fmt.Sprintf("%s[%d]", where, i))
			if err != nil {
				return nil, err
			}
			out[i] = in
		}
		return out, nil
	case nil:
		return value.Null(), nil
	}
	in, err := value.FromPlain(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return in, nil
}

func (b *builder) interpolate(src, where string) (value.Input, error) {
	t, err := parseTemplate(src, where)
	if err != nil {
		return nil, err
	}

	cfgVals := make(map[string]any, len(t.configKeys))
	for _, k := range t.configKeys {
		v, err := b.cfg.Require(k)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		if b.cfg.IsSecret(k) {
			b.secret = true
		}
		cfgVals[k] = v
	}

	if len(t.refs) == 0 {
		v, err := t.evaluate(cfgVals, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		return value.FromPlain(v)
	}

	cells := make([]*value.Cell, len(t.refs))
	for i, ref := range t.refs {
		addr, ok := b.addrs[ref.Resource]
		if !ok {
			return nil, &graph.DependencyNotFoundError{From: where, To: ref.Resource}
		}
		n, ok := b.g.Node(addr)
		if !ok {
			return nil, &graph.DependencyNotFoundError{From: where, To: addr}
		}
		if ref.Output == "" {
			cells[i] = n.Outputs()
		} else {
			cells[i] = n.Output(ref.Output)
		}
	}
	cell := value.All(cells...).Map(func(v any) (any, error) {
		return t.evaluate(cfgVals, v.([]any))
	})
	return value.RefTo(cell), nil
}

func (b *builder) exportOutputs(exports *export.Registry) error {
	names := make([]string, 0, len(b.m.Outputs))
	for name := range b.m.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b.secret = false
		in, err := b.toInput(b.m.Outputs[name], "outputs."+name)
		if err != nil {
			return err
		}
		c := cellOf(in)
		if b.secret {
			exports.ExportSecret(name, c)
		} else {
			exports.Export(name, c)
		}
	}
	return nil
}

// cellOf wraps an input in a single cell that resolves once every
// reference inside it has.
func cellOf(in value.Input) *value.Cell {
	if ref, ok := in.(value.Ref); ok && ref.Cell != nil {
		return ref.Cell
	}
	refs := value.Refs(in)
	if len(refs) == 0 {
		v, err := value.Resolve(context.Background(), in)
		if err != nil {
			return value.Failed(err)
		}
		return value.Resolved(v)
	}
	return value.All(refs...).Map(func(any) (any, error) {
		// Every reference is settled here, so Resolve does not block.
		return value.Resolve(context.Background(), in)
	})
}

// referencedResources lists the resources that templates inside v read.
func referencedResources(v any, where string) ([]string, error) {
	seen := map[string]bool{}
	var walk func(v any, where string) error
	walk = func(v any, where string) error {
		switch x := v.(type) {
		case string:
			if !isTemplate(x) {
				return nil
			}
			t, err := parseTemplate(x, where)
			if err != nil {
				return err
			}
			for _, r := range t.resources() {
				seen[r] = true
			}
		case map[string]any:
			for k, e := range x {
				if err := walk(e, where+"."+k); err != nil {
					return err
				}
			}
		case []any:
			for i, e := range x {
				if err := walk(e, fmt.Sprintf("%s[%d]", where, i)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v, where); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}
