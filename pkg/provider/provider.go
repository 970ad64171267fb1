// Package provider defines the contract between the engine and the code
// that creates, updates and deletes real infrastructure.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedType is returned by a provider asked to manage a resource
// type it does not know.
var ErrUnsupportedType = errors.New("unsupported resource type")

// Provider manages the resource types under one type prefix. Implementations
// must be safe for concurrent use; the engine calls them from several
// workers at once.
type Provider interface {
	// Name is the provider prefix, e.g. "aws" for "aws:ec2:Vpc".
	Name() string
	// Apply creates the resource when Prior is nil and updates it otherwise.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	// Delete removes the resource described by Outputs.
	Delete(ctx context.Context, req *DeleteRequest) error
}

// Configurer is implemented by providers that read stack configuration
// (for example "aws:region") before their first call.
type Configurer interface {
	Configure(ctx context.Context, req *ConfigureRequest) error
}

type ConfigureRequest struct {
	// Config holds the stack keys under this provider's prefix, with the
	// prefix removed.
	Config map[string]string
}

type ApplyRequest struct {
	Type string
	Name string
	// Inputs are fully resolved.
	Inputs map[string]any
	// Prior holds the outputs recorded by the last successful apply, or nil.
	Prior map[string]any
}

type ApplyResponse struct {
	Outputs map[string]any
}

type DeleteRequest struct {
	Type    string
	Name    string
	Outputs map[string]any
}

// UnsupportedType reports a type the provider cannot handle.
func UnsupportedType(provider, typ string) error {
	return fmt.Errorf("%w: provider %s has no type %s", ErrUnsupportedType, provider, typ)
}
