// Package docker builds container images and pushes them to a registry.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/picklr-io/deckhand/pkg/provider"
)

const TypeImage = "docker:Image"

// dockerAPI is the subset of the Engine API client the provider uses.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
}

// Provider implements docker:Image.
type Provider struct {
	mu     sync.Mutex
	host   string
	client dockerAPI
	// ecr returns a registry token client for a region; replaced in tests.
	ecr func(ctx context.Context, region string) (ecrAPI, error)
}

func New() *Provider {
	return &Provider{ecr: newECRClient}
}

func (p *Provider) Name() string { return "docker" }

// Configure reads "host", which overrides DOCKER_HOST.
func (p *Provider) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.host = req.Config["host"]
	return p.ensureClient()
}

// ensureClient must be called with mu held.
func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if p.host != "" {
		opts = append(opts, client.WithHost(p.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	p.client = cli
	return nil
}

func (p *Provider) docker() (dockerAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	return p.client, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if req.Type != TypeImage {
		return nil, provider.UnsupportedType(p.Name(), req.Type)
	}
	cli, err := p.docker()
	if err != nil {
		return nil, err
	}

	var desired ImageConfig
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	st, err := p.applyImage(ctx, cli, req.Name, &desired)
	if err != nil {
		return nil, err
	}
	outputs, err := encode(st)
	if err != nil {
		return nil, err
	}
	return &provider.ApplyResponse{Outputs: outputs}, nil
}

// Delete removes the local image. Pushed images stay in the registry.
func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	if req.Type != TypeImage {
		return provider.UnsupportedType(p.Name(), req.Type)
	}
	cli, err := p.docker()
	if err != nil {
		return err
	}

	var st ImageState
	if err := decode(req.Outputs, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return removeImage(ctx, cli, &st)
}

func decode(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func encode(in any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
