// Package kubernetes manages workloads on a cluster through client-go.
package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

const (
	TypeDeployment = "kubernetes:apps/v1:Deployment"
	TypeService    = "kubernetes:core/v1:Service"

	defaultNamespace = "default"
)

var routeKlog sync.Once

// Provider implements Deployment and Service. Each resource carries the
// kubeconfig of its cluster; one client is kept per distinct kubeconfig.
type Provider struct {
	mu sync.Mutex
	// kubeconfigPath is used by resources without a kubeconfig input.
	kubeconfigPath string
	clients        map[string]k8s.Interface
	newClient      func(kubeconfig []byte) (k8s.Interface, error)

	pollInterval time.Duration
	// readyTimeout bounds rollout and load balancer waits.
	readyTimeout time.Duration
}

func New() *Provider {
	routeKlog.Do(func() {
		klog.SetLogger(logr.FromSlogHandler(logging.Logger().Handler()))
	})
	return &Provider{
		clients:      map[string]k8s.Interface{},
		newClient:    clientFromKubeconfig,
		pollInterval: 5 * time.Second,
		readyTimeout: 10 * time.Minute,
	}
}

func (p *Provider) Name() string { return "kubernetes" }

// Configure reads "kubeconfig", a path used when a resource has no
// kubeconfig input of its own.
func (p *Provider) Configure(ctx context.Context, req *provider.ConfigureRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kubeconfigPath = req.Config["kubeconfig"]
	return nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var (
		outputs map[string]any
		err     error
	)
	switch req.Type {
	case TypeDeployment:
		outputs, err = p.applyDeployment(ctx, req)
	case TypeService:
		outputs, err = p.applyService(ctx, req)
	default:
		return nil, provider.UnsupportedType(p.Name(), req.Type)
	}
	if err != nil {
		return nil, err
	}
	return &provider.ApplyResponse{Outputs: outputs}, nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	switch req.Type {
	case TypeDeployment:
		return p.deleteDeployment(ctx, req)
	case TypeService:
		return p.deleteService(ctx, req)
	}
	return provider.UnsupportedType(p.Name(), req.Type)
}

// client returns the clientset for kubeconfig contents, falling back to the
// configured path or the default loading rules when empty.
func (p *Provider) client(kubeconfig string) (k8s.Interface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := []byte(kubeconfig)
	if kubeconfig == "" {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if p.kubeconfigPath != "" {
			rules.ExplicitPath = p.kubeconfigPath
		}
		cfg, err := rules.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		if data, err = clientcmd.Write(*cfg); err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.newClient(data)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

func clientFromKubeconfig(kubeconfig []byte) (k8s.Interface, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig from bytes: %w", err)
	}
	cs, err := k8s.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return cs, nil
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
