// Package state persists the last applied record of every resource in a
// stack and classifies desired resources against it.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/picklr-io/deckhand/internal/ir"
)

// ErrStoreCorrupt means persisted state exists but cannot be parsed. Runs
// must abort rather than diff against it.
var ErrStoreCorrupt = errors.New("state store corrupt")

// CorruptError describes why persisted state was rejected.
type CorruptError struct {
	Location string
	Err      error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state at %s is corrupt: %v", e.Location, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrStoreCorrupt, e.Err} }

// Store is the in-memory view of a stack's state, written through to its
// backend on every change. Mutating calls are meant for a single writer.
type Store struct {
	backend Backend

	mu    sync.RWMutex
	state *ir.State
	index map[string]int
}

// Open reads and parses the state held by backend. Missing state yields an
// empty store.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	raw, err := backend.Read(ctx)
	if err != nil {
		return nil, err
	}

	s := &Store{backend: backend}
	if len(raw) == 0 {
		s.state = &ir.State{Version: ir.StateVersion, Lineage: newLineage()}
		s.reindex()
		return s, nil
	}

	st, err := Decode(raw)
	if err != nil {
		return nil, &CorruptError{Location: backend.Location(), Err: err}
	}
	s.state = st
	s.reindex()
	return s, nil
}

// Decode parses a serialized state document, decrypting it if needed.
func Decode(raw []byte) (*ir.State, error) {
	content, err := DecryptState(raw)
	if err != nil {
		return nil, err
	}

	var st ir.State
	if err := json.Unmarshal(content, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if st.Version < 1 || st.Version > ir.StateVersion {
		return nil, fmt.Errorf("unsupported state version %d", st.Version)
	}

	seen := make(map[string]bool, len(st.Resources))
	for i, res := range st.Resources {
		if res == nil || res.Type == "" || res.Name == "" {
			return nil, fmt.Errorf("resource %d has no type or name", i)
		}
		if seen[res.Addr()] {
			return nil, fmt.Errorf("resource %s recorded twice", res.Addr())
		}
		seen[res.Addr()] = true
	}
	return &st, nil
}

// Encode serializes state, encrypting it when a key is configured.
func Encode(st *ir.State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	data = append(data, '\n')

	encrypted, err := EncryptState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// Backend returns the backend the store writes to.
func (s *Store) Backend() Backend {
	return s.backend
}

// Load returns a copy of every recorded resource keyed by address.
func (s *Store) Load() map[string]*ir.ResourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*ir.ResourceState, len(s.state.Resources))
	for _, res := range s.state.Resources {
		out[res.Addr()] = cloneResource(res)
	}
	return out
}

// Snapshot returns a copy of the whole state document.
func (s *Store) Snapshot() *ir.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := *s.state
	st.Resources = make([]*ir.ResourceState, len(s.state.Resources))
	for i, res := range s.state.Resources {
		st.Resources[i] = cloneResource(res)
	}
	st.Outputs = maps.Clone(s.state.Outputs)
	return &st
}

// Commit records entry after a successful apply and persists the state.
// The in-memory state changes only once the write succeeded.
func (s *Store) Commit(ctx context.Context, entry *ir.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.draft()
	entry = cloneResource(entry)
	if idx, ok := s.index[entry.Addr()]; ok {
		next.Resources[idx] = entry
	} else {
		next.Resources = append(next.Resources, entry)
	}
	return s.persist(ctx, next)
}

// Remove drops addr after a successful destroy and persists the state.
// Removing an unknown address is a no-op.
func (s *Store) Remove(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[addr]
	if !ok {
		return nil
	}
	next := s.draft()
	next.Resources = slices.Delete(next.Resources, idx, idx+1)
	return s.persist(ctx, next)
}

// Rename gives the resource at addr a new name, keeping its type, and
// rewrites the dependencies that point at it.
func (s *Store) Rename(ctx context.Context, addr, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[addr]
	if !ok {
		return "", fmt.Errorf("resource %s not found in state", addr)
	}
	to := s.state.Resources[idx].Type + "." + name
	if _, taken := s.index[to]; taken {
		return "", fmt.Errorf("resource %s already exists in state", to)
	}

	next := s.draft()
	for i, res := range next.Resources {
		if i == idx {
			res = cloneResource(res)
			res.Name = name
			next.Resources[i] = res
		}
		if slices.Contains(res.Dependencies, addr) {
			res = cloneResource(res)
			for j, dep := range res.Dependencies {
				if dep == addr {
					res.Dependencies[j] = to
				}
			}
			next.Resources[i] = res
		}
	}
	return to, s.persist(ctx, next)
}

// SetOutputs replaces the recorded stack exports and persists the state.
func (s *Store) SetOutputs(ctx context.Context, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.draft()
	next.Outputs = maps.Clone(outputs)
	return s.persist(ctx, next)
}

// draft returns a copy of the document whose resource list can be changed
// without touching the current state. Entries are shared; replace them
// rather than mutating them. Must be called with mu held.
func (s *Store) draft() *ir.State {
	next := *s.state
	next.Resources = slices.Clone(s.state.Resources)
	return &next
}

// persist writes next and, once the write succeeded, makes it the current
// state. Must be called with mu held.
func (s *Store) persist(ctx context.Context, next *ir.State) error {
	next.Serial = s.state.Serial + 1
	data, err := Encode(next)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	s.state = next
	s.reindex()
	return nil
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.state.Resources))
	for i, res := range s.state.Resources {
		s.index[res.Addr()] = i
	}
}

// Desired is a declared resource as seen by Diff. Known is false while any
// of its inputs depends on an output that is not resolved yet.
type Desired struct {
	Addr       string
	InputsHash string
	Known      bool
}

// Diff is the classification of desired resources against previous state.
// Every list is sorted.
type Diff struct {
	Create    []string
	Update    []string
	Delete    []string
	Unchanged []string
	Deferred  []string
}

// Diff classifies desired against previous by comparing input hashes.
func (s *Store) Diff(desired []Desired, previous map[string]*ir.ResourceState) *Diff {
	d := &Diff{}
	declared := make(map[string]bool, len(desired))
	for _, want := range desired {
		declared[want.Addr] = true
		if !want.Known {
			d.Deferred = append(d.Deferred, want.Addr)
			continue
		}
		switch Classify(previous[want.Addr], want.InputsHash) {
		case ir.ActionCreate:
			d.Create = append(d.Create, want.Addr)
		case ir.ActionUpdate:
			d.Update = append(d.Update, want.Addr)
		default:
			d.Unchanged = append(d.Unchanged, want.Addr)
		}
	}
	for addr := range previous {
		if !declared[addr] {
			d.Delete = append(d.Delete, addr)
		}
	}

	for _, l := range [][]string{d.Create, d.Update, d.Delete, d.Unchanged, d.Deferred} {
		sort.Strings(l)
	}
	return d
}

// Classify decides the action for one resource whose inputs are resolved.
func Classify(prev *ir.ResourceState, inputsHash string) ir.Action {
	switch {
	case prev == nil:
		return ir.ActionCreate
	case prev.InputsHash != inputsHash:
		return ir.ActionUpdate
	default:
		return ir.ActionNoop
	}
}

func cloneResource(r *ir.ResourceState) *ir.ResourceState {
	c := *r
	c.Outputs = maps.Clone(r.Outputs)
	c.Dependencies = slices.Clone(r.Dependencies)
	return &c
}

func newLineage() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
