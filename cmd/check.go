package cmd

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authcoord/internal/config"
)

var checkQuiet bool

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config.yaml without starting the coordinator",
		Long: `Loads config.yaml and reports every configuration problem at once.

Exits with status 2 when the configuration is invalid.

Examples:
  authcoord check
  authcoord check --config-path /etc/authcoord --quiet`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
	cmd.Flags().BoolVarP(&checkQuiet, "quiet", "q", false, "Suppress output, only set the exit status")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir := resolveConfigPath()
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		var errs *config.ConfigurationErrorCollection
		if !checkQuiet && errors.As(err, &errs) {
			fmt.Fprintln(cmd.ErrOrStderr(), errs.GetDetailedReport())
		}
		return err
	}

	if !checkQuiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d providers)\n",
			text.FgGreen.Sprint("✓"), "Configuration in "+dir+" is valid", len(cfg.Providers))
	}
	return nil
}
