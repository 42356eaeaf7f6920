// Package cli implements the annal command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/annalhq/annal/internal/config"
)

var flagConfig string

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "annal",
		Short: "Persistent semantic memory for AI agents",
		Long: `Annal - persistent semantic memory for AI agents.

Runs the MCP memory server, indexes project files into per-project
vector collections, and manages memory data across storage backends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.annal/config.yaml)")

	rootCmd.AddCommand(newVersionCmd(version))
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())

	return rootCmd
}

func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}
