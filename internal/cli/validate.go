package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the manifest and configuration",
	Long: `Loads the manifest with the stack's configuration and builds the resource
graph without reading state or calling providers. Unknown references,
dependency cycles and missing configuration are reported.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	s, err := loadStack(cmd.Context())
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := s.Graph.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintf(out, "Stack %s is valid: %d resource(s), %d output(s).\n", s.Name, s.Graph.Len(), len(s.Exports.Names()))
	return nil
}
