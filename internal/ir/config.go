package ir

// Config is a decoded stack manifest.
type Config struct {
	Name      string                `json:"name" yaml:"name"`
	Config    map[string]*ConfigKey `json:"config" yaml:"config"`
	Resources map[string]*Resource  `json:"resources" yaml:"resources"`
	Outputs   map[string]any        `json:"outputs" yaml:"outputs"`
}

// ConfigKey declares a configuration value the stack reads.
type ConfigKey struct {
	Type        string `json:"type" yaml:"type"` // "string", "number", "integer", "boolean"
	Default     any    `json:"default" yaml:"default"`
	Secret      bool   `json:"secret" yaml:"secret"`
	Description string `json:"description" yaml:"description"`
}
