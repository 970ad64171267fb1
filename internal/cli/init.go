package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/state"
)

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Initialize a new Deckhand project",
	Long: `Creates a Deckhand.yaml manifest and a configuration file for the dev stack
in the project directory. Existing files are left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

const manifestTemplate = `name: %s

# Configuration keys read by the manifest. Values come from
# Deckhand.<stack>.yaml, DECKHAND_CONFIG_<KEY> or --config KEY=value.
config:
  GREETING:
    type: string
    default: hello

resources:
  greeting:
    type: null_resource
    properties:
      message: ${config.GREETING}

outputs:
  message: ${greeting.message}
`

const stackConfigTemplate = `config:
  GREETING: hello from %s
`

func runInit(cmd *cobra.Command, args []string) error {
	dir, name, err := project()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, state.DefaultStateDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", state.DefaultStateDir, err)
	}

	projectName := filepath.Base(dir)
	if len(args) > 0 {
		projectName = args[0]
	}

	out := cmd.OutOrStdout()
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, "Deckhand.yaml"), fmt.Sprintf(manifestTemplate, projectName)},
		{filepath.Join(dir, "Deckhand."+name+".yaml"), fmt.Sprintf(stackConfigTemplate, name)},
	}
	for _, f := range files {
		if fileExists(f.path) {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "Created %s\n", filepath.Base(f.path))
	}

	fmt.Fprintln(out, "\nDeckhand initialized successfully!")
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Edit Deckhand.yaml to declare your resources")
	fmt.Fprintln(out, "  2. Run 'deckhand preview' to see what will be created")
	fmt.Fprintln(out, "  3. Run 'deckhand up' to deploy the stack")
	return nil
}
