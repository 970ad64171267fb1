package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/engine"
	"github.com/picklr-io/deckhand/internal/state"
)

var upCmd = &cobra.Command{
	Use:     "up",
	Aliases: []string{"apply"},
	Short:   "Create or update the stack's resources",
	Long: `Deploys the stack: resources are created or updated in dependency order,
independent resources in parallel. Resources recorded in state that are no
longer in the manifest are deleted afterwards.

A preview is shown first and must be confirmed unless --auto-approve is set.
If a resource fails, everything that depends on it is skipped while
unrelated resources still finish.`,
	RunE: runUp,
}

func init() {
	addRunFlags(upCmd)
	upCmd.Flags().BoolVarP(&autoApprove, "auto-approve", "y", false, "Skip the preview and confirmation")
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r := newRunner(cmd)

	return withLockedStore(ctx, func(store *state.Store) error {
		if !autoApprove {
			s, err := loadStack(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "Previewing update of stack %s...\n\n", s.Name)
			plan, err := r.run(ctx, s, store, engine.ModePreview)
			renderPlan(r.out, plan)
			if err != nil {
				return r.finish(fmt.Errorf("preview failed: %w", err))
			}
			if plan.Plan.Changes() == 0 && plan.Plan.Deferred == 0 {
				return r.finish(nil)
			}
			if !confirm(cmd.InOrStdin(), r.out, "Do you want to perform these actions?") {
				fmt.Fprintln(r.out, "Update cancelled.")
				return r.finish(nil)
			}
		}

		// The preview settled every cell of the stack it ran on.
		s, err := loadStack(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "\nUpdating stack %s...\n", s.Name)
		summary, err := r.run(ctx, s, store, engine.ModeApply)
		renderSummary(r.out, summary, err)
		if err != nil {
			return r.finish(fmt.Errorf("update failed: %w", err))
		}
		return r.finish(nil)
	})
}
