package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "plan [name]",
		Short: "Show what 'up' would do",
		Long: `Compute the plan 'devenv up' would execute without executing it.

The plan compares the spec's fingerprint with the recorded one and the
live container, then lists the actions in execution order.`,
		Example: `  # Preview up
  devenv plan api

  # Preview rebuild
  devenv plan api --rebuild`,
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

			plan, err := a.orch.Plan(ctx, name, rebuild)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "plan a forced rebuild")

	return cmd
}
