package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

// destroy deletes recorded resources in reverse dependency order. With
// targets, only the targets and the resources that depend on them go.
func (r *run) destroy(ctx context.Context, targets []string, summary *Summary) error {
	stopped := fmt.Errorf("%w: stack is being destroyed", ErrSkipped)
	for _, n := range r.stack.Graph.Nodes() {
		_ = n.Outputs().Fail(stopped)
	}

	// State records are kept in the order they were first applied, which
	// is a valid dependency order.
	recorded := r.eng.store.Snapshot().Resources
	order := make([]string, 0, len(recorded))
	for i := len(recorded) - 1; i >= 0; i-- {
		order = append(order, recorded[i].Addr())
	}

	if len(targets) > 0 {
		scope := r.stateDependents(targets)
		order = slices.DeleteFunc(order, func(addr string) bool { return !scope[addr] })
	}

	types := make(map[string]string, len(order))
	for _, addr := range order {
		types[addr] = r.previous[addr].Type
	}

	res := r.execute(ctx, r.deletePhase(order))
	summary.record(order, types, res)

	err := runError(ctx, res)
	if err == nil && len(targets) == 0 && !r.dryRun() {
		if serr := r.eng.store.SetOutputs(context.WithoutCancel(ctx), nil); serr != nil {
			return fmt.Errorf("failed to clear exports: %w", serr)
		}
	}
	return err
}

// stateDependents returns addrs and every recorded resource that depends on
// one of them, following the dependencies stored with each record.
func (r *run) stateDependents(addrs []string) map[string]bool {
	dependents := make(map[string][]string)
	for addr, rs := range r.previous {
		for _, dep := range rs.Dependencies {
			dependents[dep] = append(dependents[dep], addr)
		}
	}
	out := make(map[string]bool)
	var visit func(string)
	visit = func(addr string) {
		if out[addr] {
			return
		}
		out[addr] = true
		for _, d := range dependents[addr] {
			visit(d)
		}
	}
	for _, addr := range addrs {
		visit(addr)
	}
	return out
}

// deletePhase builds a phase that deletes the recorded resources in addrs.
// A resource is deleted only after everything recorded as depending on it.
func (r *run) deletePhase(addrs []string) *phase {
	deps := make(map[string][]string, len(addrs))
	for _, addr := range addrs {
		for _, dep := range r.previous[addr].Dependencies {
			deps[dep] = append(deps[dep], addr)
		}
	}
	return &phase{
		order: addrs,
		deps:  deps,
		work:  r.deleteNode,
		succeeded: func(ctx context.Context, o *outcome) error {
			if r.dryRun() {
				return nil
			}
			if err := r.eng.store.Remove(context.WithoutCancel(ctx), o.addr); err != nil {
				return fmt.Errorf("failed to remove %s from state: %w", o.addr, err)
			}
			return nil
		},
		failed:  func(*outcome) {},
		skipped: func(string, error) {},
	}
}

func (r *run) deleteNode(ctx context.Context, addr string) *outcome {
	prior := r.previous[addr]
	o := &outcome{addr: addr, typ: prior.Type, action: ir.ActionDelete}
	start := time.Now()
	defer func() { o.duration = time.Since(start) }()

	if prior.Protect {
		o.err = &ApplyError{Addr: addr, Op: ir.ActionDelete, Err: ErrProtected}
		return o
	}
	if r.dryRun() {
		return o
	}

	var timeout time.Duration
	if n, ok := r.stack.Graph.Node(addr); ok {
		timeout = n.Options().Timeout
	}
	wctx, cancel := providerContext(ctx, timeout)
	defer cancel()

	prov, err := r.eng.providers.Get(wctx, prior.Provider)
	if err != nil {
		o.err = &ApplyError{Addr: addr, Op: ir.ActionDelete, Err: err}
		return o
	}

	r.emit(Event{Address: addr, Action: ir.ActionDelete, Status: EventStarted})
	logging.FromContext(ctx).Info("Deleting resource", "address", addr, "provider", prior.Provider)
	o.called = true
	err = prov.Delete(wctx, &provider.DeleteRequest{
		Type:    prior.Type,
		Name:    prior.Name,
		Outputs: prior.Outputs,
	})
	if err != nil {
		o.err = &ApplyError{Addr: addr, Op: ir.ActionDelete, Err: err}
	}
	return o
}
