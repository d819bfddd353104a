package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"authcoord/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfigInvalid indicates config.yaml could not be loaded or validated.
	ExitCodeConfigInvalid = 2
)

// configPath is the directory holding config.yaml, shared by every command.
var configPath string

// rootCmd represents the base command for the authcoord application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "authcoord",
	Short: "Unified authentication coordinator",
	Long: `authcoord manages credential lifecycles for OAuth2, service-account and
API-key providers behind one interface. It keeps sessions refreshed in the
background, derives security contexts for downstream components and exposes
everything as MCP tools.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authcoord version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var configErrs *config.ConfigurationErrorCollection
	if errors.As(err, &configErrs) {
		return ExitCodeConfigInvalid
	}
	return ExitCodeError
}

// resolveConfigPath returns --config-path or the per-user default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GetDefaultConfigPathOrPanic()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "",
		"Directory containing config.yaml (default $HOME/.config/authcoord)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newCheckCmd())
}
