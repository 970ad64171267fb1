package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/deckhand/internal/eval"
	"github.com/picklr-io/deckhand/internal/hcladapter"
)

// EnvPrefix marks environment variables that override configuration keys.
const EnvPrefix = "DECKHAND_CONFIG_"

var fileExtensions = []string{".yaml", ".yml", ".json", ".hcl", ".pkl"}

// FileFor returns the configuration file for stack in dir, if one exists.
// Files are named Deckhand.<stack>.<ext>.
func FileFor(dir, stack string) (string, bool) {
	for _, ext := range fileExtensions {
		path := filepath.Join(dir, "Deckhand."+stack+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Load builds the configuration for stack. Values come from the stack file,
// then DECKHAND_CONFIG_* environment variables, then overrides.
func Load(ctx context.Context, dir, stack string, overrides map[string]string) (*Config, error) {
	values := map[string]any{}
	if path, ok := FileFor(dir, stack); ok {
		fromFile, err := LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		values = fromFile
	}

	c := New(stack, values)
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		if key := strings.TrimPrefix(name, EnvPrefix); key != "" {
			c.Set(key, val)
		}
	}
	for k, v := range overrides {
		c.Set(k, v)
	}
	return c, nil
}

// ParseOverrides turns key=value pairs into a map.
func ParseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid config override %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// LoadFile reads the values in a configuration file, choosing the decoder
// by extension. YAML, JSON and Pkl files may nest values under "config".
func LoadFile(ctx context.Context, path string) (map[string]any, error) {
	var (
		doc map[string]any
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		doc, err = loadYAML(path)
	case ".hcl":
		return loadHCL(path)
	case ".pkl":
		doc = map[string]any{}
		err = eval.NewEvaluator(filepath.Dir(path)).Decode(ctx, path, nil, &doc)
	default:
		return nil, fmt.Errorf("unsupported config file %s", path)
	}
	if err != nil {
		return nil, err
	}
	if nested, ok := doc["config"].(map[string]any); ok {
		return nested, nil
	}
	return doc, nil
}

func loadYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

func loadHCL(path string) (map[string]any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%s: attribute %q: %w", path, name, diags)
		}
		native, err := hcladapter.ToNative(v)
		if err != nil {
			return nil, fmt.Errorf("%s: attribute %q: %w", path, name, err)
		}
		out[name] = native
	}
	return out, nil
}
