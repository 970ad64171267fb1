// Package manifest reads stack manifests and turns them into a resource
// graph and export registry.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/picklr-io/deckhand/internal/eval"
	"github.com/picklr-io/deckhand/internal/ir"
)

// Candidate manifest file names, in lookup order.
var fileNames = []string{"Deckhand.yaml", "Deckhand.yml", "Deckhand.pkl"}

// Find returns the manifest in dir.
func Find(dir string) (string, error) {
	for _, name := range fileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no manifest found in %s (looked for %s)", dir, strings.Join(fileNames, ", "))
}

// Load decodes the manifest at path. YAML manifests reject unknown fields.
// Pkl manifests are evaluated and decoded from their JSON rendering.
func Load(ctx context.Context, path string) (*ir.Config, error) {
	var m ir.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".pkl":
		if err := eval.NewEvaluator(filepath.Dir(path)).Decode(ctx, path, nil, &m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest %s", path)
	}

	if m.Name == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err == nil {
			m.Name = filepath.Base(abs)
		}
	}
	for name, r := range m.Resources {
		if r == nil || r.Type == "" {
			return nil, fmt.Errorf("resource %q: type is required", name)
		}
	}
	return &m, nil
}
