package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/engine"
)

var previewShowOutputs bool

var previewCmd = &cobra.Command{
	Use:     "preview",
	Aliases: []string{"plan"},
	Short:   "Show what up would change",
	Long: `Compares the manifest with the recorded state without calling any
provider. Resources whose inputs depend on resources that will change are
reported as deferred.`,
	RunE: runPreview,
}

func init() {
	addRunFlags(previewCmd)
	previewCmd.Flags().BoolVar(&previewShowOutputs, "show-outputs", false, "Also print the outputs known before the update")
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r := newRunner(cmd)

	s, err := loadStack(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Previewing update of stack %s...\n\n", s.Name)
	summary, err := r.run(ctx, s, store, engine.ModePreview)
	renderPlan(r.out, summary)
	if previewShowOutputs && summary.Exports != nil {
		renderExports(r.out, summary.Exports, false)
	}
	if err != nil {
		return r.finish(fmt.Errorf("preview failed: %w", err))
	}
	return r.finish(nil)
}
