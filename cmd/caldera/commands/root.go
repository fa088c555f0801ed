package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "caldera",
		Short: "Caldera - declarative stack orchestration engine",
		Long: `Caldera turns YAML templates into running stacks: it resolves
parameters, builds a dependency graph over the declared resources and
drives each one through its provider, with retries and rollback.

Features:
  - YAML templates with parameters, conditions and intrinsic functions
  - Environment overlays for per-site parameter and type mappings
  - WASM-based provider plugins
  - Software deployment over SSH through a remote agent
  - Policy enforcement via OPA/rego
  - Typed configuration via CUE`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "caldera.cue", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServerCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newOutputsCommand())
	rootCmd.AddCommand(newActionCommand())

	return rootCmd
}
