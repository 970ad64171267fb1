// Package resource defines the declared unit of desired state.
package resource

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/picklr-io/deckhand/internal/value"
)

// Status is the lifecycle position of a node within one run.
type Status int32

const (
	Pending Status = iota
	Ready
	Applying
	Done
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Applying:
		return "applying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether s ends a node's run.
func (s Status) Terminal() bool {
	return s == Done || s == Failed || s == Skipped
}

// Options carries per-resource lifecycle settings.
type Options struct {
	DependsOn     []string
	Protect       bool
	IgnoreChanges []string
	Timeout       time.Duration
	Provider      string
}

// Option mutates Options at declaration time.
type Option func(*Options)

// DependsOn adds explicit dependencies by address. Targets may be declared later.
func DependsOn(addrs ...string) Option {
	return func(o *Options) { o.DependsOn = append(o.DependsOn, addrs...) }
}

// Protect refuses deletion of the resource.
func Protect() Option {
	return func(o *Options) { o.Protect = true }
}

// IgnoreChanges excludes top-level input keys from change detection.
func IgnoreChanges(keys ...string) Option {
	return func(o *Options) { o.IgnoreChanges = append(o.IgnoreChanges, keys...) }
}

// Timeout bounds the provider call for this resource.
func Timeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithProvider overrides the provider derived from the type.
func WithProvider(name string) Option {
	return func(o *Options) { o.Provider = name }
}

// Node is a declared resource. Inputs are fixed at declaration; outputs
// become available through cells once the engine has applied it.
type Node struct {
	addr     string
	typ      string
	name     string
	provider string
	inputs   value.Map
	opts     Options

	outputs *value.Cell

	mu   sync.Mutex
	outs map[string]*value.Cell

	status atomic.Int32
}

// New builds a node. It does not register it anywhere.
func New(typ, name string, inputs value.Map, opts ...Option) *Node {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if inputs == nil {
		inputs = value.Map{}
	}
	addr := Address(typ, name)
	prov := o.Provider
	if prov == "" {
		prov = ProviderFor(typ)
	}
	return &Node{
		addr:     addr,
		typ:      typ,
		name:     name,
		provider: prov,
		inputs:   inputs,
		opts:     o,
		outputs:  value.NewCell(addr),
		outs:     make(map[string]*value.Cell),
	}
}

func (n *Node) Addr() string { return n.addr }
func (n *Node) Type() string { return n.typ }
func (n *Node) Name() string { return n.name }
func (n *Node) Provider() string { return n.provider }
func (n *Node) Inputs() value.Map { return n.inputs }
func (n *Node) Options() Options { return n.opts }
func (n *Node) Status() Status { return Status(n.status.Load()) }
func (n *Node) SetStatus(s Status) { n.status.Store(int32(s)) }
func (n *Node) Outputs() *value.Cell { return n.outputs }

// Output returns a cell for a single output key. A missing key resolves to nil.
func (n *Node) Output(key string) *value.Cell {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.outs[key]; ok {
		return c
	}
	c := n.outputs.Map(func(v any) (any, error) {
		m, _ := v.(map[string]any)
		return m[key], nil
	})
	n.outs[key] = c
	return c
}

// Address formats the stable address of a resource.
func Address(typ, name string) string {
	return typ + "." + name
}

// ParseAddress splits an address into type and name.
func ParseAddress(addr string) (typ, name string, err error) {
	i := strings.LastIndex(addr, ".")
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("invalid address %q, expected format type.name", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// ProviderFor derives the provider name from a resource type such as
// "aws:ec2:Vpc" or "null_resource".
func ProviderFor(typ string) string {
	if i := strings.Index(typ, ":"); i > 0 {
		return typ[:i]
	}
	if i := strings.Index(typ, "_"); i > 0 {
		return typ[:i]
	}
	return typ
}
