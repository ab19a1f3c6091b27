// Package app provides the command-line interface of the keygate daemon.
package app

import (
	"github.com/spf13/cobra"

	"github.com/keygate-io/keygate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "kgd",
	DisableAutoGenTag: true,
	Short:             "Keygate (kgd) is the authentication and key-custody service of the logging platform",
	Long: `Keygate (kgd) centralizes authentication, authorization and KEK custody for
a multi-tenant logging platform. It verifies user and machine credentials
against an external identity provider, answers relationship-based access
checks, and stores per-user encrypted key material without ever holding a
plaintext key.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the keygate daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
