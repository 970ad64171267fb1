package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/picklr-io/deckhand/internal/logging"
)

var (
	projectDir  string
	stackName   string
	backendURL  string
	configPairs []string
	logLevel    string
	logFormat   string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "Declarative cloud deployments from a resource graph",
	Long: `Deckhand deploys a stack of cloud resources described in a Deckhand.yaml
manifest. Resources that reference each other's outputs are created in
dependency order; independent resources are created in parallel.

  • One manifest, one configuration file per stack (Deckhand.<stack>.yaml)
  • Local or S3 state with locking
  • Preview before every change`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logLevel, logFormat)
		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			noColor = true
		}
		// Relative paths in the manifest, such as image build contexts,
		// resolve against the project directory.
		if projectDir != "" && projectDir != "." {
			if err := os.Chdir(projectDir); err != nil {
				return fmt.Errorf("failed to change to project directory: %w", err)
			}
			projectDir = "."
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command. Cancelling ctx stops a running
// deployment after in-flight operations finish.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&projectDir, "cwd", "C", ".", "Run as if started in this directory (the one containing Deckhand.yaml)")
	pf.StringVarP(&stackName, "stack", "s", "", "Stack to operate on (default: the selected stack, or \"dev\")")
	pf.StringVar(&backendURL, "backend", "", "State backend: local, file:///path or s3://bucket/prefix?region=..")
	pf.StringArrayVarP(&configPairs, "config", "c", nil, "Override a configuration value (format: key=value)")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
