package kubernetes

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/picklr-io/deckhand/internal/logging"
)

// Metadata is the user-settable part of an object's metadata. Name defaults
// to the resource name and Namespace to "default".
type Metadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (m *Metadata) setDefaults(name string) {
	if m.Name == "" {
		m.Name = name
	}
	if m.Namespace == "" {
		m.Namespace = defaultNamespace
	}
}

func (m *Metadata) objectMeta() metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:        m.Name,
		Namespace:   m.Namespace,
		Labels:      m.Labels,
		Annotations: m.Annotations,
	}
}

// objectInputs are the inputs shared by every Kubernetes resource type.
type objectInputs struct {
	// Kubeconfig is the contents of a kubeconfig, usually the output of a
	// cluster resource.
	Kubeconfig string   `json:"kubeconfig"`
	Metadata   Metadata `json:"metadata"`
	// SkipAwait returns as soon as the API server accepts the object.
	SkipAwait bool `json:"skipAwait"`
}

// ObjectMetadata is the recorded identity of an object.
type ObjectMetadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	UID         string            `json:"uid"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// objectOutputs are the outputs shared by every Kubernetes resource type.
// The kubeconfig is kept so the object can be deleted without its inputs.
type objectOutputs struct {
	Kubeconfig string         `json:"kubeconfig"`
	Metadata   ObjectMetadata `json:"metadata"`
}

func recordMeta(kubeconfig string, m metav1.ObjectMeta) objectOutputs {
	return objectOutputs{
		Kubeconfig: kubeconfig,
		Metadata: ObjectMetadata{
			Name:        m.Name,
			Namespace:   m.Namespace,
			UID:         string(m.UID),
			Labels:      m.Labels,
			Annotations: m.Annotations,
		},
	}
}

type deleter interface {
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

// deleteObject deletes an object in the foreground and waits until get
// reports it gone. An object that is already gone is not an error.
func (p *Provider) deleteObject(ctx context.Context, d deleter, get func(context.Context) error, kind string, m ObjectMetadata) error {
	policy := metav1.DeletePropagationForeground
	err := d.Delete(ctx, m.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s %s/%s: %w", kind, m.Namespace, m.Name, err)
	}

	logging.FromContext(ctx).Info("Waiting for deletion", "kind", kind, "name", m.Name, "namespace", m.Namespace)
	err = p.poll(ctx, func(ctx context.Context) (bool, error) {
		err := get(ctx)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, keepWaiting(err)
	})
	if err != nil {
		return fmt.Errorf("%s %s/%s was not deleted: %w", kind, m.Namespace, m.Name, err)
	}
	return nil
}

// moved reports whether the prior object has a different name or namespace
// than desired, so the old object must be removed once the new one exists.
func moved(prior map[string]any, desired Metadata) (objectOutputs, bool) {
	if prior == nil {
		return objectOutputs{}, false
	}
	var old objectOutputs
	if err := decode(prior, &old); err != nil || old.Metadata.Name == "" {
		return objectOutputs{}, false
	}
	return old, old.Metadata.Name != desired.Name || old.Metadata.Namespace != desired.Namespace
}

// keepWaiting filters an error seen while polling an object: transient API
// errors are dropped so the poll continues, anything else ends it.
func keepWaiting(err error) error {
	if err == nil || apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) {
		return nil
	}
	return err
}

func (p *Provider) poll(ctx context.Context, cond wait.ConditionWithContextFunc) error {
	return wait.PollUntilContextTimeout(ctx, p.pollInterval, p.readyTimeout, true, cond)
}

