package ir

// Resource represents a single managed resource as written in a manifest.
type Resource struct {
	Type       string           `json:"type" yaml:"type"` // e.g., "aws:ec2:Vpc"
	Provider   string           `json:"provider" yaml:"provider"`
	Properties map[string]any   `json:"properties" yaml:"properties"` // Dynamic properties
	Options    *ResourceOptions `json:"options" yaml:"options"`
}

type ResourceOptions struct {
	DependsOn     []string `json:"dependsOn" yaml:"dependsOn"`
	Protect       bool     `json:"protect" yaml:"protect"`
	IgnoreChanges []string `json:"ignoreChanges" yaml:"ignoreChanges"`
	Timeout       string   `json:"timeout" yaml:"timeout"`
}
