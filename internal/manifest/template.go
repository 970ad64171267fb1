package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/picklr-io/deckhand/internal/hcladapter"
)

// configRoot is the variable name templates use to read configuration.
const configRoot = "config"

// outputRef names one resource output a template reads. An empty Output
// means the whole output map.
type outputRef struct {
	Resource string
	Output   string
}

// template is a parsed "${...}" string.
type template struct {
	src        string
	expr       hclsyntax.Expression
	configKeys []string
	refs       []outputRef
}

func isTemplate(s string) bool {
	return strings.Contains(s, "${") || strings.Contains(s, "%{")
}

// parseTemplate parses src and sorts its traversals into configuration
// reads and resource output reads.
func parseTemplate(src, where string) (*template, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), where, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s: %w", where, diags)
	}

	t := &template{src: src, expr: expr}
	seenKey := map[string]bool{}
	seenRef := map[outputRef]bool{}
	for _, trav := range expr.Variables() {
		root := trav.RootName()
		var attr string
		if len(trav) > 1 {
			step, ok := trav[1].(hcl.TraverseAttr)
			if !ok {
				return nil, fmt.Errorf("%s: %q must be followed by an attribute name", where, root)
			}
			attr = step.Name
		}

		if root == configRoot {
			if attr == "" {
				return nil, fmt.Errorf("%s: config reference needs a key", where)
			}
			if !seenKey[attr] {
				seenKey[attr] = true
				t.configKeys = append(t.configKeys, attr)
			}
			continue
		}

		ref := outputRef{Resource: root, Output: attr}
		if !seenRef[ref] {
			seenRef[ref] = true
			t.refs = append(t.refs, ref)
		}
	}
	sort.Strings(t.configKeys)
	sort.Slice(t.refs, func(i, j int) bool {
		if t.refs[i].Resource != t.refs[j].Resource {
			return t.refs[i].Resource < t.refs[j].Resource
		}
		return t.refs[i].Output < t.refs[j].Output
	})
	return t, nil
}

// resources returns the distinct resource names the template reads.
func (t *template) resources() []string {
	var out []string
	for _, r := range t.refs {
		if len(out) == 0 || out[len(out)-1] != r.Resource {
			out = append(out, r.Resource)
		}
	}
	return out
}

// evaluate renders the template. config holds the values of t.configKeys and
// outputs holds one value per entry of t.refs, in the same order.
func (t *template) evaluate(config map[string]any, outputs []any) (any, error) {
	vars := map[string]cty.Value{}

	if len(t.configKeys) > 0 {
		attrs := make(map[string]cty.Value, len(t.configKeys))
		for _, k := range t.configKeys {
			cv, err := hcladapter.FromNative(config[k])
			if err != nil {
				return nil, fmt.Errorf("config %s: %w", k, err)
			}
			attrs[k] = cv
		}
		vars[configRoot] = cty.ObjectVal(attrs)
	}

	whole := map[string]cty.Value{}
	parts := map[string]map[string]cty.Value{}
	for i, ref := range t.refs {
		cv, err := hcladapter.FromNative(outputs[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", ref.Resource, ref.Output, err)
		}
		if ref.Output == "" {
			whole[ref.Resource] = cv
			continue
		}
		if parts[ref.Resource] == nil {
			parts[ref.Resource] = map[string]cty.Value{}
		}
		parts[ref.Resource][ref.Output] = cv
	}
	for name, attrs := range parts {
		vars[name] = cty.ObjectVal(attrs)
	}
	for name, v := range whole {
		vars[name] = v
	}

	val, diags := t.expr.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluating %q: %w", t.src, diags)
	}
	return hcladapter.ToNative(val)
}
