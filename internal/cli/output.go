package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/export"
)

var (
	outputJSON        bool
	outputShowSecrets bool
)

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show the stack's exported values",
	Long: `Reads the exports recorded by the last update.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed. Secret outputs are masked unless
--show-secrets is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	outputCmd.Flags().BoolVar(&outputShowSecrets, "show-secrets", false, "Print secret values in plain text")
}

func runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// The manifest says which exports are secret.
	s, err := loadStack(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	outputs := store.Snapshot().Outputs

	masked := func(name string) bool {
		return s.Exports.IsSecret(name) && !outputShowSecrets
	}

	if len(args) > 0 {
		name := args[0]
		val, ok := outputs[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if masked(name) {
			val = secretMask
		}
		if outputJSON {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprintln(out, formatValue(val, false))
		}
		return nil
	}

	if len(outputs) == 0 {
		fmt.Fprintln(out, "No outputs recorded.")
		return nil
	}

	if outputJSON {
		shown := make(map[string]any, len(outputs))
		for name, v := range outputs {
			if masked(name) {
				v = secretMask
			}
			shown[name] = v
		}
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	rendered := &export.Rendered{Values: outputs, Secrets: map[string]bool{}}
	for name := range outputs {
		rendered.Secrets[name] = s.Exports.IsSecret(name)
	}
	renderExports(out, rendered, outputShowSecrets)
	return nil
}
