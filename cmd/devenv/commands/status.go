package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the live status of an environment",
		Long: `Show an environment's live container status next to what devenv last
recorded. Status never changes anything, but it notes when the spec
changed since the last 'devenv up'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			name, err := a.resolveName(args)
			if err != nil {
				return err
			}

			report, err := a.orch.Status(ctx, name)
			if err != nil {
				return err
			}
			return a.render(cmd, report)
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List managed environments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			reports, err := a.orch.List(ctx)
			if err != nil {
				return err
			}

			// Count by live status for the metrics textfile.
			counts := make(map[string]float64)
			for _, r := range reports {
				counts[string(r.ContainerStatus)]++
			}
			for status, n := range counts {
				a.tel.Metrics.SetEnvironmentCount(status, n)
			}

			if a.json {
				return writeJSON(cmd.OutOrStdout(), reports)
			}
			printList(cmd.OutOrStdout(), reports)
			return nil
		},
	}
}
