package value

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// Input is a resource input built from a closed set of shapes: Scalar, Map,
// List and Ref. Traversals switch over these shapes exhaustively.
type Input interface {
	isInput()
}

// Scalar is a literal string, bool, number or nil.
type Scalar struct {
	V any
}

// Map is a keyed collection of inputs.
type Map map[string]Input

// List is an ordered collection of inputs.
type List []Input

// Ref embeds a cell whose value is substituted when the input is resolved.
type Ref struct {
	Cell *Cell
}

func (Scalar) isInput() {}
func (Map) isInput()    {}
func (List) isInput()   {}
func (Ref) isInput()    {}

// String returns a string scalar.
func String(s string) Scalar { return Scalar{V: s} }

// Bool returns a boolean scalar.
func Bool(b bool) Scalar { return Scalar{V: b} }

// Number returns a numeric scalar.
func Number(f float64) Scalar { return Scalar{V: f} }

// Null returns the nil scalar.
func Null() Scalar { return Scalar{} }

// RefTo wraps c as an input.
func RefTo(c *Cell) Ref { return Ref{Cell: c} }

// FromPlain converts decoded configuration data (maps, slices, scalars and
// cells) into an Input.
func FromPlain(v any) (Input, error) {
	switch val := v.(type) {
	case Input:
		return val, nil
	case *Cell:
		return Ref{Cell: val}, nil
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return Scalar{V: val}, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, e := range val {
			in, err := FromPlain(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = in
		}
		return m, nil
	case map[string]string:
		m := make(Map, len(val))
		for k, e := range val {
			m[k] = String(e)
		}
		return m, nil
	case []any:
		l := make(List, len(val))
		for i, e := range val {
			in, err := FromPlain(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l[i] = in
		}
		return l, nil
	case []string:
		l := make(List, len(val))
		for i, e := range val {
			l[i] = String(e)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported input type %T", v)
	}
}

// Refs returns every cell referenced anywhere within in, each once, in
// deterministic traversal order.
func Refs(in Input) []*Cell {
	var out []*Cell
	seen := make(map[*Cell]bool)
	var walk func(Input)
	walk = func(in Input) {
		switch v := in.(type) {
		case nil, Scalar:
		case Ref:
			if v.Cell != nil && !seen[v.Cell] {
				seen[v.Cell] = true
				out = append(out, v.Cell)
			}
		case Map:
			for _, k := range sortedKeys(v) {
				walk(v[k])
			}
		case List:
			for _, e := range v {
				walk(e)
			}
		}
	}
	walk(in)
	return out
}

// Owners returns the sorted set of resource addresses owning cells in in.
func Owners(in Input) []string {
	var owners []string
	for _, c := range Refs(in) {
		owners = append(owners, c.owners...)
	}
	slices.Sort(owners)
	return slices.Compact(owners)
}

// Resolve waits for every referenced cell and returns in as plain data:
// map[string]any, []any and scalars.
func Resolve(ctx context.Context, in Input) (any, error) {
	switch v := in.(type) {
	case nil:
		return nil, nil
	case Scalar:
		return v.V, nil
	case Ref:
		if v.Cell == nil {
			return nil, nil
		}
		return v.Cell.Await(ctx)
	case Map:
		out := make(map[string]any, len(v))
		for _, k := range sortedKeys(v) {
			r, err := Resolve(ctx, v[k])
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case List:
		out := make([]any, len(v))
		for i, e := range v {
			r, err := Resolve(ctx, e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported input shape %T", in)
	}
}

// ResolveMap resolves a Map into a plain map.
func ResolveMap(ctx context.Context, m Map) (map[string]any, error) {
	r, err := Resolve(ctx, m)
	if err != nil {
		return nil, err
	}
	out, _ := r.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
