package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/config"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	var (
		format string
		dir    string
	)

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Write a starter environment spec",
		Long: `Write a starter spec for a new environment.

The spec mounts the directory holding it at /workspace, publishes port
8080 and keeps the container alive with 'sleep infinity'. Existing files are
never overwritten.`,
		Example: `  # Create api.cue in the spec directory
  devenv init api

  # Create ./devenv/api.yaml next to a project
  devenv init api --format yaml --dir ./devenv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f := config.Format(format)
			if err := f.Validate(); err != nil {
				return err
			}

			if dir == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.SpecDir
			}

			content, err := config.StarterSpec(name, f)
			if err != nil {
				return err
			}
			if _, err := config.NewSpecParser().Parse(content, f, "init", dir); err != nil {
				return err
			}

			path, err := config.WriteStarterSpec(dir, name, f)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Run 'devenv up %s' to start it.\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(config.FormatCUE), "spec format (cue or yaml)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory to write the spec to (default: the spec directory)")

	return cmd
}
