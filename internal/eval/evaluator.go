// Package eval renders Pkl modules into plain data for the manifest and
// config loaders.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/apple/pkl-go/pkl"
)

// Evaluator handles Pkl evaluation relative to a project directory.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// RenderJSON evaluates the module at path and returns its JSON rendering.
// properties are exposed to the module as external properties
// (read("prop:NAME")).
func (e *Evaluator) RenderJSON(ctx context.Context, path string, properties map[string]string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.projectDir, path)
	}

	opts := []func(*pkl.EvaluatorOptions){
		pkl.PreconfiguredOptions,
		func(o *pkl.EvaluatorOptions) {
			o.OutputFormat = "json"
		},
	}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	var (
		evaluator pkl.Evaluator
		err       error
	)
	if e.projectDir != "" && hasProjectFile(e.projectDir) {
		u, perr := url.Parse("file://" + filepath.ToSlash(e.projectDir) + "/")
		if perr != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", perr)
		}
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	text, err := evaluator.EvaluateOutputText(ctx, pkl.FileSource(path))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return []byte(text), nil
}

// Decode evaluates the module at path and unmarshals its JSON rendering into out.
func (e *Evaluator) Decode(ctx context.Context, path string, properties map[string]string, out any) error {
	data, err := e.RenderJSON(ctx, path, properties)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s output: %w", path, err)
	}
	return nil
}

func hasProjectFile(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "PklProject"))
	return err == nil
}
