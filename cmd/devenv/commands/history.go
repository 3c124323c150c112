package commands

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recent operations and actions",
		Long:  `Show the journal of operations and plan actions for an environment, newest first.`,
		Args:  cobra.MaximumNArgs(1),
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

			entries, err := a.orch.History(ctx, name, limit)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries (0 for all)")

	return cmd
}
