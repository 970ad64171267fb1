package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/picklr-io/deckhand/internal/export"
	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/state"
	"github.com/picklr-io/deckhand/internal/value"
	"github.com/picklr-io/deckhand/pkg/provider"
)

// renderTimeout bounds the wait for exports once every node is terminal.
const renderTimeout = 30 * time.Second

// up applies (or previews) the declared graph, then deletes orphans.
func (r *run) up(ctx context.Context, targets []string, summary *Summary) error {
	g := r.stack.Graph
	order := g.Order()

	inScope := make(map[string]bool, len(order))
	if len(targets) > 0 {
		inScope = g.TransitiveDependencies(targets...)
	} else {
		for _, addr := range order {
			inScope[addr] = true
		}
	}

	types := make(map[string]string, len(order))
	var scoped []string
	for _, addr := range order {
		n, _ := g.Node(addr)
		types[addr] = n.Type()
		if inScope[addr] {
			scoped = append(scoped, addr)
			continue
		}
		// Not targeted: dependents outside the run still see the last
		// applied outputs.
		n.SetStatus(resource.Skipped)
		nr := NodeResult{Addr: addr, Type: n.Type(), Action: ir.ActionNoop, Status: resource.Skipped}
		if prior, ok := r.previous[addr]; ok {
			_ = n.Outputs().Resolve(prior.Outputs)
		} else {
			nr.Err = fmt.Errorf("%w: not targeted", ErrSkipped)
			_ = n.Outputs().Fail(nr.Err)
		}
		summary.Nodes = append(summary.Nodes, nr)
	}

	deps := make(map[string][]string, len(scoped))
	for _, addr := range scoped {
		deps[addr] = g.Dependencies(addr)
	}

	res := r.execute(ctx, &phase{
		order:     scoped,
		deps:      deps,
		work:      r.applyNode,
		succeeded: r.applied,
		failed: func(o *outcome) {
			n, _ := g.Node(o.addr)
			_ = n.Outputs().Fail(o.err)
		},
		skipped: func(addr string, cause error) {
			n, _ := g.Node(addr)
			_ = n.Outputs().Fail(cause)
		},
		setStatus: func(addr string, s resource.Status) {
			n, _ := g.Node(addr)
			n.SetStatus(s)
		},
	})
	summary.record(scoped, types, res)

	var orphans *phaseResult
	if len(targets) == 0 && res.fatal == nil && !res.cancelled {
		orphans = r.deleteOrphans(ctx, res, summary)
	}

	summary.Exports = r.renderExports(ctx)
	err := runError(ctx, res, orphans)
	if r.dryRun() || res.fatal != nil || (orphans != nil && orphans.fatal != nil) {
		return err
	}

	outputs := maps.Clone(r.eng.store.Snapshot().Outputs)
	if outputs == nil {
		outputs = map[string]any{}
	}
	for name, v := range summary.Exports.Values {
		outputs[name] = v
	}
	names := r.stack.Exports.Names()
	for name := range outputs {
		if !slices.Contains(names, name) {
			delete(outputs, name)
		}
	}
	if serr := r.eng.store.SetOutputs(context.WithoutCancel(ctx), outputs); serr != nil {
		return errors.Join(err, fmt.Errorf("failed to save exports: %w", serr))
	}
	return err
}

// applyNode resolves a node's inputs, classifies it against state and, when
// it changed, calls its provider.
func (r *run) applyNode(ctx context.Context, addr string) *outcome {
	n, _ := r.stack.Graph.Node(addr)
	o := &outcome{addr: addr, typ: n.Type()}
	log := logging.FromContext(ctx).With("address", addr)
	opts := n.Options()
	prior := r.previous[addr]

	start := time.Now()
	defer func() { o.duration = time.Since(start) }()

	wctx, cancel := providerContext(ctx, opts.Timeout)
	defer cancel()

	inputs, err := value.ResolveMap(wctx, n.Inputs())
	if err != nil {
		if r.dryRun() && errors.Is(err, value.ErrUnknown) {
			o.action = ir.ActionDeferred
			o.unknown = true
			return o
		}
		o.action = state.Classify(prior, "")
		o.err = &ApplyError{Addr: addr, Op: o.action, Err: fmt.Errorf("resolving inputs: %w", err)}
		return o
	}

	hash, err := value.Hash(inputs, opts.IgnoreChanges...)
	if err != nil {
		o.action = state.Classify(prior, "")
		o.err = &ApplyError{Addr: addr, Op: o.action, Err: err}
		return o
	}
	o.hash = hash
	o.action = state.Classify(prior, hash)

	if o.action == ir.ActionNoop {
		o.outputs = prior.Outputs
		return o
	}
	if r.dryRun() {
		o.unknown = true
		return o
	}

	prov, err := r.eng.providers.Get(wctx, n.Provider())
	if err != nil {
		o.err = &ApplyError{Addr: addr, Op: o.action, Err: err}
		return o
	}

	r.emit(Event{Address: addr, Action: o.action, Status: EventStarted})
	log.Info("Applying resource", "action", o.action, "provider", n.Provider())

	var priorOutputs map[string]any
	if prior != nil {
		priorOutputs = prior.Outputs
	}
	o.called = true
	resp, err := prov.Apply(wctx, &provider.ApplyRequest{
		Type:   n.Type(),
		Name:   n.Name(),
		Inputs: inputs,
		Prior:  priorOutputs,
	})
	if err != nil {
		o.err = &ApplyError{Addr: addr, Op: o.action, Err: err}
		return o
	}
	o.outputs = map[string]any{}
	if resp != nil && resp.Outputs != nil {
		o.outputs = resp.Outputs
	}
	log.Debug("Resource applied", "action", o.action, "duration", time.Since(start))
	return o
}

// applied runs on the coordinator after a node succeeded. It records the
// node in state and then resolves its outputs, which releases dependents.
func (r *run) applied(ctx context.Context, o *outcome) error {
	g := r.stack.Graph
	n, _ := g.Node(o.addr)
	if o.unknown {
		_ = n.Outputs().Fail(fmt.Errorf("%s: %w", o.addr, value.ErrUnknown))
		return nil
	}

	if !r.dryRun() {
		entry := &ir.ResourceState{
			Type:         n.Type(),
			Name:         n.Name(),
			Provider:     n.Provider(),
			InputsHash:   o.hash,
			Outputs:      o.outputs,
			Dependencies: g.Dependencies(o.addr),
			Protect:      n.Options().Protect,
		}
		if o.action != ir.ActionNoop || changedMetadata(r.previous[o.addr], entry) {
			// The resource exists now whether or not the run was cancelled.
			if err := r.eng.store.Commit(context.WithoutCancel(ctx), entry); err != nil {
				return fmt.Errorf("failed to record %s: %w", o.addr, err)
			}
		}
	}

	_ = n.Outputs().Resolve(o.outputs)
	return nil
}

func changedMetadata(prior, entry *ir.ResourceState) bool {
	if prior == nil {
		return true
	}
	return prior.Provider != entry.Provider ||
		prior.Protect != entry.Protect ||
		!slices.Equal(prior.Dependencies, entry.Dependencies)
}

// deleteOrphans removes resources that are in state but no longer declared.
// An orphan is kept while any declared resource that last depended on it
// did not finish, since that resource may still use it. Whatever a kept
// orphan depends on is kept too.
func (r *run) deleteOrphans(ctx context.Context, applied *phaseResult, summary *Summary) *phaseResult {
	g := r.stack.Graph
	var orphans []string
	for addr := range r.previous {
		if _, declared := g.Node(addr); !declared {
			orphans = append(orphans, addr)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	sort.Strings(orphans)

	held := map[string]string{}
	for addr, status := range applied.status {
		if status == resource.Done {
			continue
		}
		if prior, ok := r.previous[addr]; ok {
			for _, dep := range prior.Dependencies {
				if _, ok := held[dep]; !ok {
					held[dep] = addr
				}
			}
		}
	}
	// A held orphan still needs what it depends on.
	queue := slices.Sorted(maps.Keys(held))
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		prior, ok := r.previous[addr]
		if !ok {
			continue
		}
		if _, declared := g.Node(addr); declared {
			continue
		}
		for _, dep := range prior.Dependencies {
			if _, ok := held[dep]; !ok {
				held[dep] = addr
				queue = append(queue, dep)
			}
		}
	}

	types := make(map[string]string, len(orphans))
	var pending []string
	for _, addr := range orphans {
		types[addr] = r.previous[addr].Type
		if by, ok := held[addr]; ok {
			summary.Nodes = append(summary.Nodes, NodeResult{
				Addr:   addr,
				Type:   types[addr],
				Action: ir.ActionDelete,
				Status: resource.Skipped,
				Err:    fmt.Errorf("%w: still referenced by %s", ErrSkipped, by),
			})
			continue
		}
		pending = append(pending, addr)
	}

	res := r.execute(ctx, r.deletePhase(pending))
	summary.record(pending, types, res)
	return res
}

func (r *run) renderExports(ctx context.Context) *export.Rendered {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renderTimeout)
	defer cancel()
	return r.stack.Exports.Render(rctx)
}
