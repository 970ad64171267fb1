package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read the stack's configuration",
	Long: `Shows configuration values after the stack file, DECKHAND_CONFIG_*
environment variables, --config overrides and manifest defaults are applied.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all configuration values",
	RunE:    runConfigList,
}

func init() {
	configCmd.PersistentFlags().BoolVar(&configShowSecrets, "show-secrets", false, "Print secret values in plain text")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	s, err := loadStack(cmd.Context())
	if err != nil {
		return err
	}
	key := args[0]
	v, ok := s.Config.Lookup(key)
	if !ok {
		return fmt.Errorf("configuration key %q is not set for stack %s", key, s.Name)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatValue(v, s.Config.IsSecret(key) && !configShowSecrets))
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	s, err := loadStack(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	keys := s.Config.Keys()
	if len(keys) == 0 {
		fmt.Fprintf(out, "Stack %s has no configuration.\n", s.Name)
		return nil
	}
	for _, key := range keys {
		v, _ := s.Config.Lookup(key)
		fmt.Fprintf(out, "%s = %s\n", key, formatValue(v, s.Config.IsSecret(key) && !configShowSecrets))
	}
	return nil
}
