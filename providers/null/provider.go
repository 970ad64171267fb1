// Package null provides null_resource, a resource that manages nothing. It
// echoes its inputs as outputs, which makes it useful for wiring and tests.
package null

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/picklr-io/deckhand/pkg/provider"
)

const ResourceType = "null_resource"

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "null" }

// Apply returns the inputs as outputs plus an id. The id changes only when
// triggers change, so other input edits update in place.
func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if req.Type != ResourceType {
		return nil, provider.UnsupportedType(p.Name(), req.Type)
	}

	var desired Config
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	outputs := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		outputs[k] = v
	}
	outputs["id"] = fmt.Sprintf("null-%s-%s", req.Name, triggersDigest(desired.Triggers))
	return &provider.ApplyResponse{Outputs: outputs}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	return nil
}

// Config is the input shape of null_resource.
type Config struct {
	Triggers map[string]string `json:"triggers"`
}

func decode(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func triggersDigest(triggers map[string]string) string {
	keys := make([]string, 0, len(triggers))
	for k := range triggers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, triggers[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
