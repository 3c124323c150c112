package commands

import (
	"github.com/spf13/cobra"
)

func newUnlockCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <name>",
		Short: "Force-release an environment lock",
		Long: `Release the lock on an environment regardless of who holds it.

Locks expire on their own, but an invocation that crashed holds its lock
until then. Only unlock an environment when no other devenv process is
working on it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			lock, err := a.orch.Unlock(ctx, args[0])
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), lock)
			}
			printLock(cmd.OutOrStdout(), args[0], lock)
			return nil
		},
	}
}
