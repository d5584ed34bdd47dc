package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the SATA admin CLI. Subcommands are attached in wire.go.
var rootCmd = &cobra.Command{
	Use:           "sata",
	Short:         "SATA platform admin CLI",
	Long:          "Administrative utilities for the SATA platform (dev tokens, bootstrap, tenant lifecycle, invitations).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
