package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devenv/pkg/config"
	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/policy"
)

// validation is the JSON form of a validate run.
type validation struct {
	Environment string                   `json:"environment"`
	Path        string                   `json:"path"`
	Format      config.Format            `json:"format"`
	Spec        *envspec.EnvironmentSpec `json:"spec"`
	Policy      *policy.Result           `json:"policy"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [name|file]",
		Short: "Validate an environment spec",
		Long: `Validate an environment spec without touching the container runtime.

Validation parses the spec against the built-in schema, checks that mount
sources exist on this host and evaluates every enabled policy. Warnings are
printed; errors reject the spec.`,
		Example: `  # Validate a spec from the spec directory
  devenv validate api

  # Validate a file
  devenv validate ./devenv.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newSpecApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var parsed *config.ParsedSpec
			if len(args) == 1 && isSpecFile(args[0]) {
				parsed, err = config.NewSpecParser().ParseFile(args[0])
			} else {
				var name string
				if name, err = a.resolveName(args); err == nil {
					parsed, err = a.catalog.Load(ctx, name)
				}
			}
			if err != nil {
				return err
			}

			spec := parsed.Spec
			if err := spec.CheckHostPaths(os.Stat); err != nil {
				return engine.NewInvalidSpecError(spec.Name, err)
			}

			result, err := a.policy.Evaluate(ctx, spec)
			if err != nil {
				return err
			}

			if a.json {
				if err := writeJSON(cmd.OutOrStdout(), validation{
					Environment: spec.Name,
					Path:        parsed.Path,
					Format:      parsed.Format,
					Spec:        spec,
					Policy:      result,
				}); err != nil {
					return err
				}
			} else {
				printPolicyResult(cmd.OutOrStdout(), spec.Name, result)
			}

			if !result.Allowed {
				return &policy.ViolationError{Environment: spec.Name, Violations: result.Violations}
			}
			return nil
		},
	}
}

// isSpecFile reports whether arg names an existing spec file rather than
// an environment.
func isSpecFile(arg string) bool {
	if _, err := config.FormatOf(arg); err != nil {
		return false
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}
