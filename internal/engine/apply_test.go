package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/resource"
	"github.com/picklr-io/deckhand/internal/stack"
	"github.com/picklr-io/deckhand/internal/value"
	"github.com/picklr-io/deckhand/pkg/provider"
)

func TestApply_CreatesInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	backend := &memBackend{}
	store := openStore(t, backend)
	eng := New(fakeProviders{"test": prov}, store)

	s := chain(t)
	summary, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"test_resource.a", "test_resource.b", "test_resource.c"}, prov.Applied())
	assert.Equal(t, 3, summary.Count(resource.Done))
	assert.Equal(t, 3, summary.Plan.Create)

	recorded := store.Load()
	require.Len(t, recorded, 3)
	assert.Equal(t, "a-id", recorded["test_resource.b"].Outputs["parent"])
	assert.Equal(t, []string{"test_resource.b"}, recorded["test_resource.c"].Dependencies)
	assert.NotEmpty(t, recorded["test_resource.a"].InputsHash)

	c, _ := s.Graph.Node("test_resource.c")
	assert.Equal(t, resource.Done, c.Status())
	v, err := c.Output("parent").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-id", v)
}

func TestApply_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	backend := &memBackend{}
	store := openStore(t, backend)
	eng := New(fakeProviders{"test": prov}, store)

	_, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)
	writes := backend.writes

	summary, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)
	assert.Len(t, prov.Applied(), 3, "no provider calls on the second run")
	assert.Equal(t, 3, summary.Plan.NoOp)
	assert.Equal(t, 0, summary.Plan.Changes())
	// Only the exports are rewritten.
	assert.Equal(t, writes+1, backend.writes)
}

func TestApply_UpdateOnlyChanged(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	_, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)

	s := stack.New("dev", nil)
	a := declare(t, s, "test_resource", "a", value.Map{"size": value.Number(2)})
	b := declare(t, s, "test_resource", "b", value.Map{"parent": value.RefTo(a.Output("id"))})
	declare(t, s, "test_resource", "c", value.Map{"parent": value.RefTo(b.Output("id"))})

	summary, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)

	res, ok := summary.Result("test_resource.a")
	require.True(t, ok)
	assert.Equal(t, ir.ActionUpdate, res.Action)
	assert.Equal(t, 1, summary.Plan.Update)
	assert.Equal(t, 2, summary.Plan.NoOp)
	assert.Equal(t, []string{"test_resource.a", "test_resource.b", "test_resource.c", "test_resource.a"}, prov.Applied())
}

func TestApply_IgnoreChanges(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	build := func(tag string) *stack.Stack {
		s := stack.New("dev", nil)
		declare(t, s, "test_resource", "a", value.Map{
			"size": value.Number(1),
			"tag":  value.String(tag),
		}, resource.IgnoreChanges("tag"))
		return s
	}

	_, err := eng.Run(ctx, build("one"), Options{})
	require.NoError(t, err)
	summary, err := eng.Run(ctx, build("two"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Plan.NoOp)
	assert.Len(t, prov.Applied(), 1)
}

func TestApply_FailureSkipsDependents(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	boom := errors.New("quota exceeded")
	prov.applyFn = func(_ context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		if req.Name == "b" {
			return nil, boom
		}
		return &provider.ApplyResponse{Outputs: map[string]any{"id": req.Name + "-id"}}, nil
	}
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	s := chain(t)
	declare(t, s, "test_resource", "d", nil)

	summary, err := eng.Run(ctx, s, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "1 resource(s) failed")

	assert.Equal(t, 2, summary.Count(resource.Done))
	assert.Equal(t, 1, summary.Count(resource.Failed))
	assert.Equal(t, 1, summary.Count(resource.Skipped))

	c, ok := summary.Result("test_resource.c")
	require.True(t, ok)
	assert.Equal(t, resource.Skipped, c.Status)
	assert.ErrorIs(t, c.Err, ErrSkipped)
	assert.ErrorContains(t, c.Err, "test_resource.b")

	node, _ := s.Graph.Node("test_resource.c")
	_, err = node.Outputs().Await(ctx)
	assert.ErrorIs(t, err, ErrSkipped)

	assert.NotContains(t, prov.Applied(), "test_resource.c")
	recorded := store.Load()
	assert.Contains(t, recorded, "test_resource.a")
	assert.Contains(t, recorded, "test_resource.d")
	assert.NotContains(t, recorded, "test_resource.b")
}

func TestApply_Timeout(t *testing.T) {
	prov := newFakeProvider("test")
	prov.applyFn = func(ctx context.Context, _ *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	s := stack.New("dev", nil)
	declare(t, s, "test_resource", "slow", nil, resource.Timeout(10*time.Millisecond))

	_, err := eng.Run(context.Background(), s, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApply_Cancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	prov := newFakeProvider("test")
	prov.applyFn = func(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		if req.Name == "a" {
			close(started)
			<-release
			// The provider context outlives the run's.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		return &provider.ApplyResponse{Outputs: map[string]any{"id": req.Name + "-id"}}, nil
	}
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		summary *Summary
		err     error
	}
	s := chain(t)
	done := make(chan result, 1)
	go func() {
		summary, err := eng.Run(ctx, s, Options{})
		done <- result{summary, err}
	}()

	<-started
	cancel()
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, context.Canceled)

	a, _ := res.summary.Result("test_resource.a")
	assert.Equal(t, resource.Done, a.Status, "in-flight work finishes")
	for _, addr := range []string{"test_resource.b", "test_resource.c"} {
		r, _ := res.summary.Result(addr)
		assert.Equal(t, resource.Skipped, r.Status, addr)
		assert.ErrorIs(t, r.Err, context.Canceled, addr)
	}
	assert.Equal(t, []string{"test_resource.a"}, prov.Applied())
	assert.Contains(t, store.Load(), "test_resource.a")
}

func TestApply_Parallelism(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	prov := newFakeProvider("test")
	prov.applyFn = func(_ context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &provider.ApplyResponse{Outputs: map[string]any{"id": req.Name}}, nil
	}
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	s := stack.New("dev", nil)
	for i := range 6 {
		declare(t, s, "test_resource", fmt.Sprintf("r%d", i), nil)
	}

	_, err := eng.Run(context.Background(), s, Options{Parallelism: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, prov.Applied(), 6)
}

func TestPreview_FirstRun(t *testing.T) {
	prov := newFakeProvider("test")
	backend := &memBackend{}
	eng := New(fakeProviders{"test": prov}, openStore(t, backend))

	s := chain(t)
	summary, err := eng.Run(context.Background(), s, Options{Mode: ModePreview})
	require.NoError(t, err)

	assert.Empty(t, prov.Applied())
	assert.Equal(t, 0, backend.writes)
	assert.Equal(t, 1, summary.Plan.Create)
	assert.Equal(t, 2, summary.Plan.Deferred)

	b, _ := summary.Result("test_resource.b")
	assert.Equal(t, ir.ActionDeferred, b.Action)

	a, _ := s.Graph.Node("test_resource.a")
	_, err = a.Outputs().Await(context.Background())
	assert.ErrorIs(t, err, value.ErrUnknown)
}

func TestPreview_AfterApply(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	backend := &memBackend{}
	eng := New(fakeProviders{"test": prov}, openStore(t, backend))

	_, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)
	writes := backend.writes

	// Unchanged: every node resolves from state.
	summary, err := eng.Run(ctx, chain(t), Options{Mode: ModePreview})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Plan.NoOp)

	// c is dropped and a changes.
	s := stack.New("dev", nil)
	a := declare(t, s, "test_resource", "a", value.Map{"size": value.Number(5)})
	declare(t, s, "test_resource", "b", value.Map{"parent": value.RefTo(a.Output("id"))})

	summary, err = eng.Run(ctx, s, Options{Mode: ModePreview})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Plan.Update)
	assert.Equal(t, 1, summary.Plan.Deferred)
	assert.Equal(t, 1, summary.Plan.Delete)

	assert.Len(t, prov.Applied(), 3)
	assert.Empty(t, prov.Deleted())
	assert.Equal(t, writes, backend.writes)
}

func TestApply_DeletesOrphans(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	_, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)

	s := stack.New("dev", nil)
	declare(t, s, "test_resource", "a", value.Map{"size": value.Number(1)})

	summary, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"test_resource.c", "test_resource.b"}, prov.Deleted())
	assert.Equal(t, 2, summary.Plan.Delete)
	assert.Equal(t, []string{"test_resource.a"}, keys(store.Load()))
}

func TestApply_ProtectedOrphan(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	s := stack.New("dev", nil)
	declare(t, s, "test_resource", "db", nil, resource.Protect())
	_, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)

	_, err = eng.Run(ctx, stack.New("dev", nil), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtected)
	assert.Empty(t, prov.Deleted())
	assert.Contains(t, store.Load(), "test_resource.db")
}

func TestApply_OrphanHeldByFailedDependent(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	s := stack.New("dev", nil)
	old := declare(t, s, "test_resource", "old", nil)
	declare(t, s, "test_resource", "app", value.Map{"dep": value.RefTo(old.Output("id"))})
	_, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)

	// app moves off old, but its update fails.
	prov.applyFn = func(context.Context, *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		return nil, errors.New("rejected")
	}
	s = stack.New("dev", nil)
	declare(t, s, "test_resource", "app", value.Map{"dep": value.String("new")})

	summary, err := eng.Run(ctx, s, Options{})
	require.Error(t, err)

	res, ok := summary.Result("test_resource.old")
	require.True(t, ok)
	assert.Equal(t, resource.Skipped, res.Status)
	assert.ErrorContains(t, res.Err, "still referenced by test_resource.app")
	assert.Empty(t, prov.Deleted())
	assert.Contains(t, store.Load(), "test_resource.old")
}

func TestApply_HeldOrphanKeepsItsDependencies(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	s := stack.New("dev", nil)
	base := declare(t, s, "test_resource", "base", nil)
	mid := declare(t, s, "test_resource", "mid", value.Map{"dep": value.RefTo(base.Output("id"))})
	declare(t, s, "test_resource", "app", value.Map{"dep": value.RefTo(mid.Output("id"))})
	_, err := eng.Run(ctx, s, Options{})
	require.NoError(t, err)

	prov.applyFn = func(context.Context, *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		return nil, errors.New("rejected")
	}
	s = stack.New("dev", nil)
	declare(t, s, "test_resource", "app", value.Map{"dep": value.String("new")})

	summary, err := eng.Run(ctx, s, Options{})
	require.Error(t, err)

	midRes, ok := summary.Result("test_resource.mid")
	require.True(t, ok)
	assert.Equal(t, resource.Skipped, midRes.Status)
	assert.ErrorContains(t, midRes.Err, "still referenced by test_resource.app")

	baseRes, ok := summary.Result("test_resource.base")
	require.True(t, ok)
	assert.Equal(t, resource.Skipped, baseRes.Status)
	assert.ErrorContains(t, baseRes.Err, "still referenced by test_resource.mid")

	assert.Empty(t, prov.Deleted())
	recorded := store.Load()
	assert.Contains(t, recorded, "test_resource.mid")
	assert.Contains(t, recorded, "test_resource.base")
}

func TestApply_Targets(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	summary, err := eng.Run(ctx, chain(t), Options{Targets: []string{"b"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"test_resource.a", "test_resource.b"}, prov.Applied())
	c, _ := summary.Result("test_resource.c")
	assert.Equal(t, resource.Skipped, c.Status)
	assert.ErrorIs(t, c.Err, ErrSkipped)
	assert.NotContains(t, store.Load(), "test_resource.c")
}

func TestApply_TargetsKeepUntargetedOutputs(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	_, err := eng.Run(ctx, chain(t), Options{})
	require.NoError(t, err)

	s := chain(t)
	_, err = eng.Run(ctx, s, Options{Targets: []string{"test_resource.a"}})
	require.NoError(t, err)

	c, _ := s.Graph.Node("test_resource.c")
	v, err := c.Output("id").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c-id", v)
}

func TestApply_Exports(t *testing.T) {
	ctx := context.Background()
	prov := newFakeProvider("test")
	prov.applyFn = func(_ context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		if req.Name == "broken" {
			return nil, errors.New("no capacity")
		}
		return &provider.ApplyResponse{Outputs: map[string]any{"ip": "1.2.3.4"}}, nil
	}
	store := openStore(t, &memBackend{})
	eng := New(fakeProviders{"test": prov}, store)

	s := stack.New("dev", nil)
	svc := declare(t, s, "test_resource", "svc", nil)
	broken := declare(t, s, "test_resource", "broken", nil)
	s.Exports.Export("endpoint", svc.Output("ip").Map(func(v any) (any, error) {
		return fmt.Sprintf("%v:80", v), nil
	}))
	s.Exports.Export("other", broken.Output("ip"))
	s.Exports.ExportValue("region", "eu-west-1")

	summary, err := eng.Run(ctx, s, Options{})
	require.Error(t, err)

	require.NotNil(t, summary.Exports)
	assert.Equal(t, "1.2.3.4:80", summary.Exports.Values["endpoint"])
	assert.Equal(t, "eu-west-1", summary.Exports.Values["region"])
	assert.Contains(t, summary.Exports.Errors, "other")

	outputs := store.Snapshot().Outputs
	assert.Equal(t, "1.2.3.4:80", outputs["endpoint"])
	assert.NotContains(t, outputs, "other")
}

func TestApply_EventsAndMetrics(t *testing.T) {
	prov := newFakeProvider("test")
	prov.applyFn = func(_ context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
		if req.Name == "b" {
			return nil, errors.New("boom")
		}
		return &provider.ApplyResponse{Outputs: map[string]any{"id": req.Name}}, nil
	}
	eng := New(fakeProviders{"test": prov}, openStore(t, &memBackend{}))

	var (
		mu     sync.Mutex
		events = map[EventStatus][]string{}
	)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	_, err := eng.Run(context.Background(), chain(t), Options{
		Metrics: metrics,
		OnEvent: func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events[ev.Status] = append(events[ev.Status], ev.Address)
		},
	})
	require.Error(t, err)

	assert.Equal(t, []string{"test_resource.a", "test_resource.b"}, events[EventStarted])
	assert.Equal(t, []string{"test_resource.a"}, events[EventCompleted])
	assert.Equal(t, []string{"test_resource.b"}, events[EventFailed])
	assert.Equal(t, []string{"test_resource.c"}, events[EventSkipped])

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operations.WithLabelValues("test_resource", "create", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operations.WithLabelValues("test_resource", "create", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.nodes.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
