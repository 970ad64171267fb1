package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/config"
	"github.com/picklr-io/deckhand/internal/engine"
	"github.com/picklr-io/deckhand/internal/logging"
	"github.com/picklr-io/deckhand/internal/provider"
	"github.com/picklr-io/deckhand/internal/stack"
	"github.com/picklr-io/deckhand/internal/state"
)

// Flags shared by up, preview and destroy.
var (
	targets     []string
	parallelism int
	metricsOut  string
	autoApprove bool
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&targets, "target", "t", nil, "Limit the run to a resource (name or address) and what it needs; repeatable")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 10, "Maximum number of concurrent resource operations")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write run metrics in Prometheus text format to this file")
}

// runner carries what one command invocation needs to drive the engine.
type runner struct {
	out      io.Writer
	registry *prometheus.Registry
	metrics  *engine.Metrics
}

func newRunner(cmd *cobra.Command) *runner {
	reg := prometheus.NewRegistry()
	return &runner{
		out:      cmd.OutOrStdout(),
		registry: reg,
		metrics:  engine.NewMetrics(reg),
	}
}

func (r *runner) run(ctx context.Context, s *stack.Stack, store *state.Store, mode engine.Mode) (*engine.Summary, error) {
	opts := engine.Options{
		Mode:        mode,
		Parallelism: parallelism,
		Targets:     targets,
		Metrics:     r.metrics,
	}
	if mode != engine.ModePreview {
		opts.OnEvent = progress(r.out)
	}
	eng := engine.New(provider.NewRegistry(s.Config), store)
	return eng.Run(ctx, s, opts)
}

// writeMetrics dumps the collected metrics when --metrics-out is set.
func (r *runner) writeMetrics() error {
	if metricsOut == "" {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	f, err := os.Create(metricsOut)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// finish writes metrics and reports a failed run without hiding the error
// that caused it.
func (r *runner) finish(err error) error {
	if merr := r.writeMetrics(); merr != nil {
		logging.Warn("Failed to write metrics", "path", metricsOut, "error", merr)
	}
	return err
}

// loadDestroyStack loads the stack for a destroy. A destroy only needs the
// recorded state, so a manifest that no longer loads falls back to an empty
// graph with the stack's configuration.
func loadDestroyStack(ctx context.Context) (*stack.Stack, error) {
	s, err := loadStack(ctx)
	if err == nil {
		return s, nil
	}
	logging.Warn("Manifest could not be loaded, destroying from state only", "error", err)

	dir, name, perr := project()
	if perr != nil {
		return nil, perr
	}
	overrides, perr := config.ParseOverrides(configPairs)
	if perr != nil {
		return nil, perr
	}
	cfg, cerr := config.Load(ctx, dir, name, overrides)
	if cerr != nil {
		return nil, fmt.Errorf("failed to load config for stack %s: %w", name, cerr)
	}
	s = stack.New(name, cfg)
	s.Dir = dir
	return s, nil
}
