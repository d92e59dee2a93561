// Package app provides the entry point for the sark command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/sark-gateway/sark/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "sark",
	DisableAutoGenTag: true,
	Short:             "SARK is a governance gateway for MCP servers",
	Long: `SARK is a governance gateway for MCP (Model Context Protocol) servers.
It authenticates callers against enterprise identity providers, answers
authorization questions through a cached policy decision engine, manages
API keys for non-interactive clients, and forwards every audit event to
the configured SIEM destinations.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the SARK CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
