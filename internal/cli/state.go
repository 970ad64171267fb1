package cli

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit the stack's state",
	Long:  `Commands for inspecting and modifying the recorded state of a stack.`,
}

var stateListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List resources in state",
	RunE:    runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show the recorded outputs of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <address> <new-name>",
	Short: "Rename a resource in state (does not touch the resource)",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	s := store.Snapshot()

	if len(s.Resources) == 0 {
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}

	fmt.Fprintf(out, "State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		line := fmt.Sprintf("  %s (provider: %s)", res.Addr(), res.Provider)
		if res.Protect {
			line += " [protected]"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(s.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	res, ok := store.Load()[args[0]]
	if !ok {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	fmt.Fprintf(out, "# %s\n", res.Addr())
	fmt.Fprintf(out, "  provider    = %s\n", res.Provider)
	fmt.Fprintf(out, "  type        = %s\n", res.Type)
	fmt.Fprintf(out, "  name        = %s\n", res.Name)
	fmt.Fprintf(out, "  inputs_hash = %s\n", res.InputsHash)
	if res.Protect {
		fmt.Fprintln(out, "  protected   = true")
	}
	if len(res.Dependencies) > 0 {
		fmt.Fprintln(out, "\n  Dependencies:")
		for _, dep := range res.Dependencies {
			fmt.Fprintf(out, "    %s\n", dep)
		}
	}
	if len(res.Outputs) > 0 {
		fmt.Fprintln(out, "\n  Outputs:")
		keys := make([]string, 0, len(res.Outputs))
		for k := range res.Outputs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			data, err := json.Marshal(res.Outputs[k])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "    %s = %s\n", k, data)
		}
	}
	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	return withLockedStore(cmd.Context(), func(store *state.Store) error {
		to, err := store.Rename(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", args[0], to)
		return nil
	})
}

func runStateRm(cmd *cobra.Command, args []string) error {
	return withLockedStore(cmd.Context(), func(store *state.Store) error {
		target := args[0]
		if _, ok := store.Load()[target]; !ok {
			return fmt.Errorf("resource %s not found in state", target)
		}
		if err := store.Remove(cmd.Context(), target); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state (resource was NOT destroyed)\n", target)
		return nil
	})
}
