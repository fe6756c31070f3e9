package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/stagee/am"
)

// AmCmd shows configuration ("I am").
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show the effective configuration",
	Long: `Display the effective stagee configuration.

Configuration sources (in order of precedence):
1. Environment variables (STAGEE_* prefix)
2. --config file, or the first stagee.toml found in the working directory
   and its parents, ~/.stagee, /etc/stagee
3. Default values`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration as TOML, secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := am.Render(config)
		if err != nil {
			return err
		}
		source := configPath
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# stagee configuration (%s)\n%s", source, out)
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// The root pre-run already rejected an invalid file.
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

func init() {
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}
