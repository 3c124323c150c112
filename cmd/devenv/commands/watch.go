package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/config"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch [name]",
		Short: "Run 'up' whenever the spec changes",
		Long: `Bring an environment up, then watch its spec file and run 'up' again
after every change until interrupted. Policy files are watched too and
reloaded when they change.`,
		Example: `  devenv watch api
  devenv watch -f ./devenv.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			name, err := a.resolveName(args)
			if err != nil {
				return err
			}
			path, err := a.catalog.Path(name)
			if err != nil {
				return err
			}

			apply := func(ctx context.Context) {
				report, err := a.orch.Up(ctx, name)
				if report != nil {
					_ = a.render(cmd, report)
				}
				if err != nil {
					log.Error().Err(err).Str("environment", name).Msg("Up failed")
				}
			}

			go func() {
				if err := a.policy.WatchPolicies(ctx); err != nil {
					log.Warn().Err(err).Msg("Policy watch stopped")
				}
			}()

			apply(ctx)
			log.Info().Str("environment", name).Str("path", path).Msg("Watching spec for changes")

			return config.NewSpecWatcher(path, debounce).Watch(ctx, apply)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "quiet period after a change before running up")

	return cmd
}
