package state

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLocal(t *testing.T) (*Store, *LocalBackend) {
	t.Helper()
	backend := NewLocalBackend(filepath.Join(t.TempDir(), "stacks", "dev.json"))
	s, err := Open(context.Background(), backend)
	require.NoError(t, err)
	return s, backend
}

func TestOpen_Empty(t *testing.T) {
	s, _ := openLocal(t)
	assert.Empty(t, s.Load())

	snap := s.Snapshot()
	assert.Equal(t, ir.StateVersion, snap.Version)
	assert.Equal(t, 0, snap.Serial)
	assert.NotEmpty(t, snap.Lineage)
}

func TestCommitLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, backend := openLocal(t)

	entry := &ir.ResourceState{
		Type:         "aws:ec2:Vpc",
		Name:         "vpc",
		Provider:     "aws",
		InputsHash:   "abc123",
		Outputs:      map[string]any{"vpcId": "vpc-0a1b", "publicSubnetIds": []any{"subnet-1", "subnet-2"}},
		Dependencies: []string{},
	}
	require.NoError(t, s.Commit(ctx, entry))

	got := s.Load()["aws:ec2:Vpc.vpc"]
	require.NotNil(t, got)
	assert.Equal(t, entry.InputsHash, got.InputsHash)
	assert.Equal(t, entry.Outputs, got.Outputs)

	// A fresh store sees the same record.
	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	got = reopened.Load()["aws:ec2:Vpc.vpc"]
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.InputsHash)
	assert.Equal(t, entry.Outputs, got.Outputs)
	assert.Equal(t, 1, reopened.Snapshot().Serial)
	assert.Equal(t, s.Snapshot().Lineage, reopened.Snapshot().Lineage)
}

func TestCommitReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s, _ := openLocal(t)

	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "a", InputsHash: "1"}))
	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "a", InputsHash: "2"}))

	snap := s.Snapshot()
	require.Len(t, snap.Resources, 1)
	assert.Equal(t, "2", snap.Resources[0].InputsHash)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, backend := openLocal(t)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: name}))
	}
	require.NoError(t, s.Remove(ctx, "null_resource.b"))
	require.NoError(t, s.Remove(ctx, "null_resource.missing"))

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	loaded := reopened.Load()
	assert.Len(t, loaded, 2)
	assert.Contains(t, loaded, "null_resource.a")
	assert.Contains(t, loaded, "null_resource.c")

	// Index stays consistent after removal.
	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "c", InputsHash: "new"}))
	assert.Equal(t, "new", s.Load()["null_resource.c"].InputsHash)
	assert.Len(t, s.Load(), 2)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	s, backend := openLocal(t)

	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "aws:ec2:Vpc", Name: "vpc"}))
	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "aws:eks:Cluster", Name: "cluster", Dependencies: []string{"aws:ec2:Vpc.vpc"}}))

	to, err := s.Rename(ctx, "aws:ec2:Vpc.vpc", "network")
	require.NoError(t, err)
	assert.Equal(t, "aws:ec2:Vpc.network", to)

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	loaded := reopened.Load()
	assert.NotContains(t, loaded, "aws:ec2:Vpc.vpc")
	assert.Contains(t, loaded, "aws:ec2:Vpc.network")
	assert.Equal(t, []string{"aws:ec2:Vpc.network"}, loaded["aws:eks:Cluster.cluster"].Dependencies)

	_, err = s.Rename(ctx, "aws:ec2:Vpc.vpc", "other")
	assert.ErrorContains(t, err, "not found")
	_, err = s.Rename(ctx, "aws:eks:Cluster.cluster", "cluster")
	assert.ErrorContains(t, err, "already exists")
}

// flakyBackend fails writes while broken is set.
type flakyBackend struct {
	*LocalBackend
	broken bool
}

func (b *flakyBackend) Write(ctx context.Context, data []byte) error {
	if b.broken {
		return errors.New("disk full")
	}
	return b.LocalBackend.Write(ctx, data)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{LocalBackend: NewLocalBackend(filepath.Join(t.TempDir(), "dev.json"))}
	s, err := Open(ctx, backend)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "a", InputsHash: "1"}))
	require.NoError(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "b", Dependencies: []string{"null_resource.a"}}))
	before := s.Snapshot()

	backend.broken = true
	assert.ErrorContains(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "a", InputsHash: "2"}), "disk full")
	assert.Error(t, s.Commit(ctx, &ir.ResourceState{Type: "null_resource", Name: "c"}))
	assert.Error(t, s.Remove(ctx, "null_resource.b"))
	_, err = s.Rename(ctx, "null_resource.a", "renamed")
	assert.Error(t, err)
	assert.Error(t, s.SetOutputs(ctx, map[string]any{"x": 1}))

	assert.Equal(t, before, s.Snapshot())

	// The index still matches the document once writes work again.
	backend.broken = false
	require.NoError(t, s.Remove(ctx, "null_resource.b"))
	assert.Equal(t, []string{"null_resource.a"}, slices.Sorted(maps.Keys(s.Load())))
	assert.Equal(t, before.Serial+1, s.Snapshot().Serial)
}

func TestSetOutputs(t *testing.T) {
	ctx := context.Background()
	s, backend := openLocal(t)
	require.NoError(t, s.SetOutputs(ctx, map[string]any{"endpoint": "1.2.3.4:80"}))

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:80", reopened.Snapshot().Outputs["endpoint"])
}

func TestOpen_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "version = 1\n"},
		{"truncated", `{"version": 1, "resources": [`},
		{"bad version", `{"version": 99}`},
		{"missing name", `{"version": 1, "resources": [{"type": "null_resource"}]}`},
		{"duplicate", `{"version": 1, "resources": [{"type": "a", "name": "b"}, {"type": "a", "name": "b"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := Open(context.Background(), NewLocalBackend(path))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStoreCorrupt)
			var corrupt *CorruptError
			assert.ErrorAs(t, err, &corrupt)
			assert.Equal(t, path, corrupt.Location)
		})
	}
}

func TestOpen_EncryptedWithoutKeyIsCorrupt(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "k")
	data, err := Encode(&ir.State{Version: 1})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = Open(context.Background(), NewLocalBackend(path))
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestDiff(t *testing.T) {
	s, _ := openLocal(t)
	previous := map[string]*ir.ResourceState{
		"null_resource.same":    {Type: "null_resource", Name: "same", InputsHash: "h1"},
		"null_resource.changed": {Type: "null_resource", Name: "changed", InputsHash: "old"},
		"null_resource.orphan":  {Type: "null_resource", Name: "orphan", InputsHash: "x"},
		"null_resource.later":   {Type: "null_resource", Name: "later", InputsHash: "x"},
	}
	d := s.Diff([]Desired{
		{Addr: "null_resource.same", InputsHash: "h1", Known: true},
		{Addr: "null_resource.changed", InputsHash: "new", Known: true},
		{Addr: "null_resource.fresh", InputsHash: "h2", Known: true},
		{Addr: "null_resource.later", Known: false},
	}, previous)

	assert.Equal(t, []string{"null_resource.fresh"}, d.Create)
	assert.Equal(t, []string{"null_resource.changed"}, d.Update)
	assert.Equal(t, []string{"null_resource.orphan"}, d.Delete)
	assert.Equal(t, []string{"null_resource.same"}, d.Unchanged)
	assert.Equal(t, []string{"null_resource.later"}, d.Deferred)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ir.ActionCreate, Classify(nil, "h"))
	assert.Equal(t, ir.ActionUpdate, Classify(&ir.ResourceState{InputsHash: "a"}, "b"))
	assert.Equal(t, ir.ActionNoop, Classify(&ir.ResourceState{InputsHash: "a"}, "a"))
}
