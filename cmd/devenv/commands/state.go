package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/stores"
)

func newStateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage the state database",
		Long: `Back up, restore and prune the SQLite database holding environment
records, locks and the journal.`,
	}

	cmd.AddCommand(newStateBackupCommand(opts))
	cmd.AddCommand(newStateRestoreCommand(opts))
	cmd.AddCommand(newStatePruneCommand(opts))

	return cmd
}

func newStateBackupCommand(opts *rootOptions) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent copy of the state database",
		Long: `Write a consistent copy of the state database using SQLite's VACUUM INTO.
The copy is safe to take while other devenv invocations are running.`,
		Example: `  devenv state backup --out devenv-state.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Backup(ctx, outFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", cfg.StatePath(), outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup file to create")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func newStateRestoreCommand(opts *rootOptions) *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the state database with a backup",
		Long: `Replace the state database with a backup made by 'devenv state backup'.

The backup is integrity-checked before it replaces anything. No other
devenv invocation may run during a restore.`,
		Example: `  devenv state restore --from devenv-state.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := stores.Restore(cmd.Context(), fromFile, cfg.StatePath()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", cfg.StatePath(), fromFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from", "", "backup file to restore")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func newStatePruneCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			ctx := cmd.Context()
			_, store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneJournal(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Debug().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned journal")
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d journal entries\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete entries older than this")

	return cmd
}
