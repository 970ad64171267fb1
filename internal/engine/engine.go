// Package engine walks a stack's resource graph and drives providers to
// make real infrastructure match it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/stack"
	"github.com/picklr-io/deckhand/internal/state"
	"github.com/picklr-io/deckhand/pkg/provider"
)

const defaultParallelism = 10

// Mode selects what a run does.
type Mode int

const (
	// ModeApply creates and updates declared resources, then deletes
	// resources that are in state but no longer declared.
	ModeApply Mode = iota
	// ModePreview classifies every resource without calling providers.
	ModePreview
	// ModeDestroy deletes every resource in state, dependents first.
	ModeDestroy
)

func (m Mode) String() string {
	switch m {
	case ModeApply:
		return "apply"
	case ModePreview:
		return "preview"
	case ModeDestroy:
		return "destroy"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Providers looks up the provider for a name such as "aws".
type Providers interface {
	Get(ctx context.Context, name string) (provider.Provider, error)
}

// Options tune a single run.
type Options struct {
	Mode Mode
	// Parallelism bounds concurrent provider operations. Zero means 10.
	Parallelism int
	// Targets limits the run to these resources (addresses or manifest
	// names) and what they depend on, or in a destroy, what depends on them.
	Targets []string
	OnEvent EventCallback
	Metrics *Metrics
}

// Engine runs stacks against a state store.
type Engine struct {
	providers Providers
	store     *state.Store
}

func New(providers Providers, store *state.Store) *Engine {
	return &Engine{
		providers: providers,
		store:     store,
	}
}

// Run executes one pass over s. The summary is always returned, also when
// the run fails; the error aggregates every resource failure.
func (e *Engine) Run(ctx context.Context, s *stack.Stack, opts Options) (*Summary, error) {
	start := time.Now()
	log := logging.FromContext(ctx).With("stack", s.Name, "mode", opts.Mode.String())
	ctx = logging.WithLogger(ctx, log)

	par := opts.Parallelism
	if par <= 0 {
		par = defaultParallelism
	}
	r := &run{
		eng:         e,
		stack:       s,
		opts:        opts,
		parallelism: par,
		previous:    e.store.Load(),
		metrics:     opts.Metrics,
	}
	summary := &Summary{Mode: opts.Mode}

	targets, err := r.resolveTargets()
	if err != nil {
		return summary, err
	}

	log.Info("Run started", "resources", s.Graph.Len(), "parallelism", par)
	switch opts.Mode {
	case ModeApply, ModePreview:
		err = r.up(ctx, targets, summary)
	case ModeDestroy:
		err = r.destroy(ctx, targets, summary)
	default:
		err = fmt.Errorf("unknown mode %s", opts.Mode)
	}
	summary.Duration = time.Since(start)
	r.metrics.recordNodes(summary.counts())

	log.Info("Run finished",
		"duration", summary.Duration,
		"done", summary.Count(resource.Done),
		"failed", summary.Count(resource.Failed),
		"skipped", summary.Count(resource.Skipped))
	return summary, err
}

// run holds the per-run state shared by the coordinator and workers.
// Workers only read it; emit is the one concurrent entry point.
type run struct {
	eng         *Engine
	stack       *stack.Stack
	opts        Options
	parallelism int
	previous    map[string]*ir.ResourceState
	metrics     *Metrics

	emitMu sync.Mutex
}

func (r *run) emit(ev Event) {
	if r.opts.OnEvent == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.opts.OnEvent(ev)
}

func (r *run) dryRun() bool {
	return r.opts.Mode == ModePreview
}

// resolveTargets maps target names to addresses. Destroy targets only need
// to exist in state.
func (r *run) resolveTargets() ([]string, error) {
	var out []string
	for _, t := range r.opts.Targets {
		if addr, ok := r.stack.Addrs[t]; ok {
			t = addr
		}
		_, declared := r.stack.Graph.Node(t)
		_, recorded := r.previous[t]
		if !declared && !(r.opts.Mode == ModeDestroy && recorded) {
			return nil, fmt.Errorf("unknown target %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

// runError folds a phase's failures into the error Run returns.
func runError(ctx context.Context, results ...*phaseResult) error {
	var (
		errs      []error
		cancelled bool
	)
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.fatal != nil {
			return res.fatal
		}
		errs = append(errs, res.errs...)
		cancelled = cancelled || res.cancelled
	}

	var err error
	if len(errs) > 0 {
		err = fmt.Errorf("%d resource(s) failed: %w", len(errs), errors.Join(errs...))
	}
	if cancelled {
		err = errors.Join(err, fmt.Errorf("run cancelled: %w", context.Cause(ctx)))
	}
	return err
}
