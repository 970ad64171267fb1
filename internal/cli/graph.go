package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the resource dependency graph",
	Long: `Prints the dependency graph of the stack's resources in Graphviz DOT
or Mermaid format. Pipe DOT output to 'dot' to generate an image:

  deckhand graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "dot", "Output format: dot or mermaid")
}

func runGraph(cmd *cobra.Command, args []string) error {
	s, err := loadStack(cmd.Context())
	if err != nil {
		return err
	}

	switch graphFormat {
	case "dot":
		fmt.Fprint(cmd.OutOrStdout(), s.Graph.DOT())
	case "mermaid":
		fmt.Fprint(cmd.OutOrStdout(), s.Graph.Mermaid())
	default:
		return fmt.Errorf("unknown graph format %q, expected dot or mermaid", graphFormat)
	}
	return nil
}
