package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/engine"
)

func newDownCommand(opts *rootOptions) *cobra.Command {
	var downOpts engine.DownOptions

	cmd := &cobra.Command{
		Use:   "down [name]",
		Short: "Stop an environment",
		Long: `Stop an environment's container. The container and its state are kept so
the next 'devenv up' starts it again without rebuilding.

With --purge the container is removed and the environment forgotten. With
--images the built image is removed as well.`,
		Example: `  # Stop the container
  devenv down api

  # Remove the container, the image and all recorded state
  devenv down api --purge --images`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if downOpts.RemoveImage && !downOpts.Purge {
				return fmt.Errorf("--images requires --purge")
			}

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

			report, err := a.orch.Down(ctx, name, downOpts)
			if report != nil {
				if perr := a.render(cmd, report); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&downOpts.Purge, "purge", false, "remove the container and forget the environment")
	cmd.Flags().BoolVar(&downOpts.RemoveImage, "images", false, "also remove the environment's image (requires --purge)")

	return cmd
}
