package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/engine"
	"github.com/picklr-io/deckhand/internal/state"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every resource of the stack",
	Long: `Deletes all resources recorded in the stack's state, dependents before
the resources they depend on. With --target, only the targets and the
resources that depend on them are deleted. Protected resources are refused.`,
	RunE: runDestroy,
}

func init() {
	addRunFlags(destroyCmd)
	destroyCmd.Flags().BoolVarP(&autoApprove, "auto-approve", "y", false, "Skip the confirmation")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r := newRunner(cmd)

	return withLockedStore(ctx, func(store *state.Store) error {
		s, err := loadDestroyStack(ctx)
		if err != nil {
			return err
		}

		recorded := store.Snapshot().Resources
		if len(recorded) == 0 {
			fmt.Fprintf(r.out, "Stack %s has no resources.\n", s.Name)
			return r.finish(nil)
		}

		if !autoApprove {
			fmt.Fprintf(r.out, "Deckhand will delete the following resources of stack %s:\n\n", s.Name)
			for _, rs := range slices.Backward(recorded) {
				fmt.Fprintln(r.out, paint(deleteStyle, "  - "+rs.Addr()))
			}
			if !confirm(cmd.InOrStdin(), r.out, "Do you really want to destroy these resources?") {
				fmt.Fprintln(r.out, "Destroy cancelled.")
				return r.finish(nil)
			}
		}

		fmt.Fprintf(r.out, "\nDestroying stack %s...\n", s.Name)
		summary, err := r.run(ctx, s, store, engine.ModeDestroy)
		renderSummary(r.out, summary, err)
		if err != nil {
			return r.finish(fmt.Errorf("destroy failed: %w", err))
		}
		return r.finish(nil)
	})
}
