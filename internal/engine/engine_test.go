package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/stack"
	"github.com/picklr-io/deckhand/internal/state"
	"github.com/picklr-io/deckhand/internal/value"
	"github.com/picklr-io/deckhand/pkg/provider"
)

// memBackend keeps the state document in memory.
type memBackend struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

func (b *memBackend) Read(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.data), nil
}

func (b *memBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = slices.Clone(data)
	b.writes++
	return nil
}

func (b *memBackend) Lock(context.Context) error   { return nil }
func (b *memBackend) Unlock(context.Context) error { return nil }
func (b *memBackend) Location() string             { return "memory" }

// fakeProvider records calls. Apply echoes inputs plus an id unless applyFn
// is set.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	applied []string
	deleted []string

	applyFn  func(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error)
	deleteFn func(ctx context.Context, req *provider.DeleteRequest) error
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	p.mu.Lock()
	p.applied = append(p.applied, resource.Address(req.Type, req.Name))
	p.mu.Unlock()
	if p.applyFn != nil {
		return p.applyFn(ctx, req)
	}
	out := map[string]any{"id": req.Name + "-id"}
	for k, v := range req.Inputs {
		out[k] = v
	}
	return &provider.ApplyResponse{Outputs: out}, nil
}

func (p *fakeProvider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	p.deleted = append(p.deleted, resource.Address(req.Type, req.Name))
	p.mu.Unlock()
	if p.deleteFn != nil {
		return p.deleteFn(ctx, req)
	}
	return nil
}

func (p *fakeProvider) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.applied)
}

func (p *fakeProvider) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.deleted)
}

type fakeProviders map[string]provider.Provider

func (f fakeProviders) Get(_ context.Context, name string) (provider.Provider, error) {
	p, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return p, nil
}

func openStore(t *testing.T, b *memBackend) *state.Store {
	t.Helper()
	store, err := state.Open(context.Background(), b)
	require.NoError(t, err)
	return store
}

func declare(t *testing.T, s *stack.Stack, typ, name string, inputs value.Map, opts ...resource.Option) *resource.Node {
	t.Helper()
	n, err := s.Graph.Declare(typ, name, inputs, opts...)
	require.NoError(t, err)
	s.Addrs[name] = n.Addr()
	return n
}

// chain declares test_resource.a <- b <- c, each reading the id of the one
// before it.
func chain(t *testing.T) *stack.Stack {
	t.Helper()
	s := stack.New("dev", nil)
	a := declare(t, s, "test_resource", "a", value.Map{"size": value.Number(1)})
	b := declare(t, s, "test_resource", "b", value.Map{"parent": value.RefTo(a.Output("id"))})
	declare(t, s, "test_resource", "c", value.Map{"parent": value.RefTo(b.Output("id"))})
	return s
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "apply", ModeApply.String())
	assert.Equal(t, "preview", ModePreview.String())
	assert.Equal(t, "destroy", ModeDestroy.String())
	assert.Equal(t, "mode(7)", Mode(7).String())
}

func TestRun_UnknownTarget(t *testing.T) {
	s := chain(t)
	eng := New(fakeProviders{"test": newFakeProvider("test")}, openStore(t, &memBackend{}))

	_, err := eng.Run(context.Background(), s, Options{Targets: []string{"nope"}})
	assert.ErrorContains(t, err, `unknown target "nope"`)
}

func TestRun_UnknownProvider(t *testing.T) {
	s := stack.New("dev", nil)
	declare(t, s, "missing_thing", "x", nil)
	eng := New(fakeProviders{}, openStore(t, &memBackend{}))

	summary, err := eng.Run(context.Background(), s, Options{})
	require.Error(t, err)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "missing_thing.x", applyErr.Addr)
	assert.Equal(t, ir.ActionCreate, applyErr.Op)
	assert.Equal(t, 1, summary.Count(resource.Failed))
}

func TestRunError(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, runError(ctx, nil, &phaseResult{}))

	boom := errors.New("boom")
	err := runError(ctx, &phaseResult{errs: []error{boom, boom}})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "2 resource(s) failed")

	fatal := errors.New("disk full")
	err = runError(ctx, &phaseResult{errs: []error{boom}, fatal: fatal})
	assert.Equal(t, fatal, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = runError(cctx, &phaseResult{cancelled: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "run cancelled")
}

func TestDownstream(t *testing.T) {
	dependents := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": {"e"},
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, downstream("a", dependents))
	assert.Empty(t, downstream("e", dependents))
}

func TestApplyError(t *testing.T) {
	inner := errors.New("quota exceeded")
	err := &ApplyError{Addr: "aws:ec2:Vpc.main", Op: ir.ActionCreate, Err: inner}
	assert.Equal(t, "create aws:ec2:Vpc.main: quota exceeded", err.Error())
	assert.ErrorIs(t, err, inner)

	assert.ErrorIs(t, skippedBy("a"), ErrSkipped)
	assert.ErrorIs(t, skippedByStop(context.Canceled), context.Canceled)
}
