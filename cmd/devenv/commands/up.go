package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/engine"
)

type applyFunc func(o *engine.Orchestrator, ctx context.Context, name string) (*engine.StatusReport, error)

func newUpCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up [name]",
		Short: "Create or converge an environment",
		Long: `Converge an environment to its spec.

The image is built when the spec changed or the image is missing, the
container is recreated when it no longer matches the spec, and a stopped
container is started. With an unchanged spec and a running container
nothing happens.`,
		Example: `  # Bring up the environment defined in the spec directory
  devenv up api

  # Bring up the environment declared in a file
  devenv up -f ./devenv.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, opts, args, (*engine.Orchestrator).Up)
		},
	}
}

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [name]",
		Short: "Rebuild the image and recreate the container",
		Long: `Rebuild the environment's image and recreate its container even when
the spec is unchanged. Useful after the base image or build context
changed in ways the fingerprint does not see.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, opts, args, (*engine.Orchestrator).Rebuild)
		},
	}
}

func runApply(cmd *cobra.Command, opts *rootOptions, args []string, apply applyFunc) error {
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

	report, err := apply(a.orch, ctx, name)
	if report != nil {
		if perr := a.render(cmd, report); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func (a *app) render(cmd *cobra.Command, report *engine.StatusReport) error {
	if a.json {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}
