package kubernetes

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"

	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

// ServiceConfig is the input shape of kubernetes:core/v1:Service.
type ServiceConfig struct {
	objectInputs
	Spec corev1.ServiceSpec `json:"spec"`
}

// ServiceState is recorded as the outputs of the Service type. For a
// LoadBalancer service, status.loadBalancer.ingress holds the address.
type ServiceState struct {
	objectOutputs
	Spec   corev1.ServiceSpec   `json:"spec"`
	Status corev1.ServiceStatus `json:"status"`
}

func (p *Provider) applyService(ctx context.Context, req *provider.ApplyRequest) (map[string]any, error) {
	var desired ServiceConfig
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	desired.Metadata.setDefaults(req.Name)

	cs, err := p.client(desired.Kubeconfig)
	if err != nil {
		return nil, err
	}
	services := cs.CoreV1().Services(desired.Metadata.Namespace)
	name := desired.Metadata.Name

	var current *corev1.Service
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj := &corev1.Service{ObjectMeta: desired.Metadata.objectMeta(), Spec: *desired.Spec.DeepCopy()}
		existing, err := services.Get(ctx, name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			current, err = services.Create(ctx, obj, metav1.CreateOptions{})
			return err
		case err != nil:
			return err
		}
		obj.ResourceVersion = existing.ResourceVersion
		keepAllocated(&obj.Spec, &existing.Spec)
		current, err = services.Update(ctx, obj, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply service %s/%s: %w", desired.Metadata.Namespace, name, err)
	}

	if current.Spec.Type == corev1.ServiceTypeLoadBalancer && !desired.SkipAwait {
		logging.FromContext(ctx).Info("Waiting for load balancer", "name", name, "namespace", desired.Metadata.Namespace)
		err = p.poll(ctx, func(ctx context.Context) (bool, error) {
			svc, err := services.Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, keepWaiting(err)
			}
			current = svc
			return len(svc.Status.LoadBalancer.Ingress) > 0, nil
		})
		if err != nil {
			return nil, fmt.Errorf("service %s/%s got no load balancer address: %w", desired.Metadata.Namespace, name, err)
		}
	}

	if old, ok := moved(req.Prior, desired.Metadata); ok {
		if err := p.removeService(ctx, old); err != nil {
			return nil, err
		}
	}

	return encode(&ServiceState{
		objectOutputs: recordMeta(desired.Kubeconfig, current.ObjectMeta),
		Spec:          current.Spec,
		Status:        current.Status,
	})
}

// keepAllocated copies the fields the API server assigned to the existing
// service into an update that leaves them unset.
func keepAllocated(spec, existing *corev1.ServiceSpec) {
	if spec.ClusterIP == "" {
		spec.ClusterIP = existing.ClusterIP
		spec.ClusterIPs = existing.ClusterIPs
	}
	if spec.HealthCheckNodePort == 0 && spec.Type == existing.Type {
		spec.HealthCheckNodePort = existing.HealthCheckNodePort
	}
	if spec.Type == corev1.ServiceTypeClusterIP || spec.Type == "" {
		return
	}
	for i := range spec.Ports {
		if spec.Ports[i].NodePort != 0 {
			continue
		}
		for _, old := range existing.Ports {
			if old.Port == spec.Ports[i].Port && protocol(old.Protocol) == protocol(spec.Ports[i].Protocol) {
				spec.Ports[i].NodePort = old.NodePort
			}
		}
	}
}

func protocol(p corev1.Protocol) corev1.Protocol {
	if p == "" {
		return corev1.ProtocolTCP
	}
	return p
}

func (p *Provider) deleteService(ctx context.Context, req *provider.DeleteRequest) error {
	var st objectOutputs
	if err := decode(req.Outputs, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return p.removeService(ctx, st)
}

// removeService waits for the service to disappear, which for a
// LoadBalancer service means the cloud load balancer has been released.
func (p *Provider) removeService(ctx context.Context, st objectOutputs) error {
	cs, err := p.client(st.Kubeconfig)
	if err != nil {
		return err
	}
	client := cs.CoreV1().Services(st.Metadata.Namespace)
	return p.deleteObject(ctx, client, func(ctx context.Context) error {
		_, err := client.Get(ctx, st.Metadata.Name, metav1.GetOptions{})
		return err
	}, "service", st.Metadata)
}
