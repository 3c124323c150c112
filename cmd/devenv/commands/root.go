package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	specFile   string
	verbose    bool
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &rootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "devenv",
		Short: "devenv - declarative local development environments",
		Long: `devenv converges a local container runtime to match a declarative
environment spec.

An environment spec names a base image, an optional build context, mounts,
ports, environment variables and a command. Running 'devenv up' builds the
image when the spec changed, then creates and starts the container. Running
it again with an unchanged spec does nothing.

Specs are CUE or YAML files in the spec directory, or any file passed with
--file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.specFile, "file", "f", "", "spec file to use instead of the spec directory")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpCommand(opts))
	rootCmd.AddCommand(newRebuildCommand(opts))
	rootCmd.AddCommand(newDownCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newUnlockCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newStateCommand(opts))

	return rootCmd
}
