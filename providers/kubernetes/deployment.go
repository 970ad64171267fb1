package kubernetes

import (
	"context"
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"

	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/pkg/provider"
)

// DeploymentConfig is the input shape of kubernetes:apps/v1:Deployment.
type DeploymentConfig struct {
	objectInputs
	Spec appsv1.DeploymentSpec `json:"spec"`
}

// DeploymentState is recorded as the outputs of the Deployment type.
type DeploymentState struct {
	objectOutputs
	Spec   appsv1.DeploymentSpec   `json:"spec"`
	Status appsv1.DeploymentStatus `json:"status"`
}

func (p *Provider) applyDeployment(ctx context.Context, req *provider.ApplyRequest) (map[string]any, error) {
	var desired DeploymentConfig
	if err := decode(req.Inputs, &desired); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	desired.Metadata.setDefaults(req.Name)
	if desired.Spec.Selector == nil {
		return nil, errors.New("deployment spec.selector is required")
	}

	cs, err := p.client(desired.Kubeconfig)
	if err != nil {
		return nil, err
	}
	deployments := cs.AppsV1().Deployments(desired.Metadata.Namespace)
	name := desired.Metadata.Name

	var current *appsv1.Deployment
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj := &appsv1.Deployment{ObjectMeta: desired.Metadata.objectMeta(), Spec: desired.Spec}
		existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			current, err = deployments.Create(ctx, obj, metav1.CreateOptions{})
			return err
		case err != nil:
			return err
		}
		obj.ResourceVersion = existing.ResourceVersion
		current, err = deployments.Update(ctx, obj, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply deployment %s/%s: %w", desired.Metadata.Namespace, name, err)
	}

	if !desired.SkipAwait {
		logging.FromContext(ctx).Info("Waiting for deployment rollout", "name", name, "namespace", desired.Metadata.Namespace)
		err = p.poll(ctx, func(ctx context.Context) (bool, error) {
			d, err := deployments.Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, keepWaiting(err)
			}
			current = d
			return rolledOut(d), nil
		})
		if err != nil {
			return nil, fmt.Errorf("deployment %s/%s did not become ready: %w", desired.Metadata.Namespace, name, err)
		}
	}

	if old, ok := moved(req.Prior, desired.Metadata); ok {
		if err := p.removeDeployment(ctx, old); err != nil {
			return nil, err
		}
	}

	return encode(&DeploymentState{
		objectOutputs: recordMeta(desired.Kubeconfig, current.ObjectMeta),
		Spec:          current.Spec,
		Status:        current.Status,
	})
}

// rolledOut reports whether every desired replica runs the current
// template and old replicas are gone.
func rolledOut(d *appsv1.Deployment) bool {
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.UpdatedReplicas >= want &&
		d.Status.AvailableReplicas >= want &&
		d.Status.Replicas == d.Status.UpdatedReplicas
}

func (p *Provider) deleteDeployment(ctx context.Context, req *provider.DeleteRequest) error {
	var st objectOutputs
	if err := decode(req.Outputs, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return p.removeDeployment(ctx, st)
}

func (p *Provider) removeDeployment(ctx context.Context, st objectOutputs) error {
	cs, err := p.client(st.Kubeconfig)
	if err != nil {
		return err
	}
	client := cs.AppsV1().Deployments(st.Metadata.Namespace)
	return p.deleteObject(ctx, client, func(ctx context.Context) error {
		_, err := client.Get(ctx, st.Metadata.Name, metav1.GetOptions{})
		return err
	}, "deployment", st.Metadata)
}
