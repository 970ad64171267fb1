package ir

import "fmt"

// StateVersion is the current persisted state format.
const StateVersion = 1

// State represents the persistent state of one stack.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

// ResourceState is the last applied record of one resource. Inputs are kept
// only as a hash so secrets passed as inputs are never persisted.
type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	InputsHash   string         `json:"inputsHash"`
	Outputs      map[string]any `json:"outputs"` // Provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
	Protect      bool           `json:"protect,omitempty"`
}

// Addr returns the resource address (type.name).
func (r *ResourceState) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}
