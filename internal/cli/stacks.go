package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/state"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Manage stacks",
	Long: `A stack is one deployment of the project, such as dev or prod. Each stack
has its own configuration file (Deckhand.<stack>.yaml) and its own state.`,
}

var stackListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stacks",
	RunE:    runStackList,
}

var stackSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Make a stack the default for later commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runStackSelect,
}

var stackShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the selected stack name",
	RunE:  runStackShow,
}

var stackRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove the local state of a stack that has no resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runStackRm,
}

func init() {
	stackCmd.AddCommand(stackListCmd)
	stackCmd.AddCommand(stackSelectCmd)
	stackCmd.AddCommand(stackShowCmd)
	stackCmd.AddCommand(stackRmCmd)
}

func selectionFile(dir string) string {
	return filepath.Join(dir, state.DefaultStateDir, "stack")
}

// selectedStack returns the stack chosen with "stack select", or "dev".
func selectedStack(dir string) string {
	data, err := os.ReadFile(selectionFile(dir))
	if err != nil {
		return defaultStack
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return defaultStack
	}
	return name
}

// listStacks returns the stacks that have a configuration file or local
// state in dir.
func listStacks(dir string) ([]string, error) {
	var names []string
	configs, err := filepath.Glob(filepath.Join(dir, "Deckhand.*.*"))
	if err != nil {
		return nil, err
	}
	for _, path := range configs {
		base := strings.TrimPrefix(filepath.Base(path), "Deckhand.")
		if name := strings.TrimSuffix(base, filepath.Ext(base)); name != "" && !strings.Contains(name, ".") {
			names = append(names, name)
		}
	}

	states, err := filepath.Glob(filepath.Join(dir, state.DefaultStateDir, "stacks", "*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range states {
		names = append(names, strings.TrimSuffix(filepath.Base(path), ".json"))
	}

	slices.Sort(names)
	return slices.Compact(names), nil
}

func runStackList(cmd *cobra.Command, args []string) error {
	dir, current, err := project()
	if err != nil {
		return err
	}
	stacks, err := listStacks(dir)
	if err != nil {
		return fmt.Errorf("failed to list stacks: %w", err)
	}
	if !slices.Contains(stacks, current) {
		stacks = append(stacks, current)
		slices.Sort(stacks)
	}

	out := cmd.OutOrStdout()
	for _, name := range stacks {
		if name == current {
			fmt.Fprintf(out, "* %s\n", name)
		} else {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}
	return nil
}

func runStackSelect(cmd *cobra.Command, args []string) error {
	dir, _, err := project()
	if err != nil {
		return err
	}
	name := args[0]
	if err := os.MkdirAll(filepath.Dir(selectionFile(dir)), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", state.DefaultStateDir, err)
	}
	if err := os.WriteFile(selectionFile(dir), []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to select stack: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Switched to stack %q\n", name)
	return nil
}

func runStackShow(cmd *cobra.Command, args []string) error {
	_, name, err := project()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runStackRm(cmd *cobra.Command, args []string) error {
	dir, current, err := project()
	if err != nil {
		return err
	}
	name := args[0]
	if name == current {
		return fmt.Errorf("cannot remove the selected stack %q, select another stack first", name)
	}

	path := state.LocalStatePath(dir, name)
	store, err := state.Open(cmd.Context(), state.NewLocalBackend(path))
	if err != nil {
		return err
	}
	if n := len(store.Snapshot().Resources); n > 0 {
		return fmt.Errorf("stack %q still has %d resource(s), run destroy first", name, n)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stack state: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed stack %q\n", name)
	return nil
}
