package engine

import (
	"context"
	"errors"
	"time"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/resource"
)

// outcome is what a worker reports back to the coordinator for one node.
type outcome struct {
	addr     string
	typ      string
	action   ir.Action
	hash     string
	outputs  map[string]any
	unknown  bool // outputs are not known until apply
	called   bool // a provider operation was attempted
	duration time.Duration
	err      error
}

// phase is one coordinated walk over a set of nodes. A node is dispatched
// once every node it lists in deps is Done.
type phase struct {
	order []string
	deps  map[string][]string

	// work runs on a worker goroutine.
	work func(ctx context.Context, addr string) *outcome

	// The remaining hooks run on the coordinator. An error from succeeded
	// is fatal to the run.
	succeeded func(ctx context.Context, o *outcome) error
	failed    func(o *outcome)
	skipped   func(addr string, cause error)
	setStatus func(addr string, s resource.Status)
}

type phaseResult struct {
	status    map[string]resource.Status
	outcomes  map[string]*outcome
	causes    map[string]error
	errs      []error
	fatal     error
	cancelled bool
}

// execute walks p with at most r.parallelism workers. The calling goroutine
// is the coordinator: it alone changes node status, calls the hooks and
// decides what to dispatch next. Workers report through a channel.
func (r *run) execute(ctx context.Context, p *phase) *phaseResult {
	log := logging.FromContext(ctx)
	res := &phaseResult{
		status:   make(map[string]resource.Status, len(p.order)),
		outcomes: make(map[string]*outcome, len(p.order)),
		causes:   make(map[string]error),
	}
	setStatus := func(addr string, s resource.Status) {
		res.status[addr] = s
		if p.setStatus != nil {
			p.setStatus(addr, s)
		}
	}
	skip := func(addr string, cause error) {
		setStatus(addr, resource.Skipped)
		res.causes[addr] = cause
		p.skipped(addr, cause)
		r.emit(Event{Address: addr, Status: EventSkipped, Error: cause})
	}

	index := make(map[string]int, len(p.order))
	for i, addr := range p.order {
		index[addr] = i
		setStatus(addr, resource.Pending)
	}
	remaining := make(map[string]int, len(p.order))
	dependents := make(map[string][]string, len(p.order))
	for _, addr := range p.order {
		for _, dep := range p.deps[addr] {
			if _, ok := index[dep]; !ok {
				continue
			}
			remaining[addr]++
			dependents[dep] = append(dependents[dep], addr)
		}
	}

	var ready []string
	markReady := func(addr string) {
		setStatus(addr, resource.Ready)
		i := 0
		for i < len(ready) && index[ready[i]] < index[addr] {
			i++
		}
		ready = append(ready, "")
		copy(ready[i+1:], ready[i:])
		ready[i] = addr
	}
	for _, addr := range p.order {
		if remaining[addr] == 0 {
			markReady(addr)
		}
	}

	results := make(chan *outcome)
	inflight := 0
	done := ctx.Done()
	stopped := false

	for {
		if !stopped && ctx.Err() != nil {
			done = nil
			stopped = true
			res.cancelled = true
		}
		for !stopped && inflight < r.parallelism && len(ready) > 0 {
			addr := ready[0]
			ready = ready[1:]
			setStatus(addr, resource.Applying)
			inflight++
			go func() {
				results <- p.work(ctx, addr)
			}()
		}
		if inflight == 0 {
			break
		}

		select {
		case o := <-results:
			inflight--
			res.outcomes[o.addr] = o
			if o.err == nil {
				if err := p.succeeded(ctx, o); err != nil {
					o.err = err
					res.fatal = err
					stopped = true
				}
			}
			r.metrics.observe(o)

			if o.err != nil {
				log.Error("Resource failed", "address", o.addr, "action", o.action, "error", o.err)
				setStatus(o.addr, resource.Failed)
				res.errs = append(res.errs, o.err)
				p.failed(o)
				r.emit(Event{Address: o.addr, Action: o.action, Status: EventFailed, Duration: o.duration, Error: o.err})
				for _, d := range downstream(o.addr, dependents) {
					if !res.status[d].Terminal() {
						skip(d, skippedBy(o.addr))
					}
				}
				continue
			}

			setStatus(o.addr, resource.Done)
			r.emit(Event{Address: o.addr, Action: o.action, Status: EventCompleted, Duration: o.duration})
			for _, d := range dependents[o.addr] {
				remaining[d]--
				if remaining[d] == 0 && res.status[d] == resource.Pending {
					markReady(d)
				}
			}

		case <-done:
			// In-flight work keeps running; nothing new is dispatched.
			done = nil
			stopped = true
			res.cancelled = true
			log.Warn("Run cancelled, waiting for in-flight operations", "inflight", inflight)
		}
	}

	var cause error
	switch {
	case res.fatal != nil:
		cause = res.fatal
	case res.cancelled:
		cause = ctx.Err()
	default:
		cause = errors.New("never became ready")
	}
	for _, addr := range p.order {
		if !res.status[addr].Terminal() {
			skip(addr, skippedByStop(cause))
		}
	}
	return res
}

// downstream returns every node reachable from addr through dependents,
// breadth first.
func downstream(addr string, dependents map[string][]string) []string {
	seen := map[string]bool{addr: true}
	queue := []string{addr}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range dependents[cur] {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out
}
