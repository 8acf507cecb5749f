package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate manifests without touching any target",
		Long: `Validate manifests and check them against the admission policies.

This command:
  - Parses every manifest (YAML, JSON, CUE or Starlark)
  - Reports schema errors with their file and position
  - Rejects duplicate resources and invalid purge filters
  - Evaluates the built-in and configured policies`,
		Example: `  # Validate a directory of manifests
  converge validate manifests/

  # Validate with site policies
  converge validate crontab.yaml --policy policies/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			d, err := load(ctx, args)
			if err != nil {
				return err
			}

			result := &policy.PolicyResult{Allowed: true}
			if !skipPolicy {
				eng, err := policy.NewEngine(telemetry.FromContext(ctx).Zerolog())
				if err != nil {
					return err
				}
				if len(policyDirs) > 0 {
					if err := eng.LoadPolicies(ctx, policyDirs); err != nil {
						return err
					}
				}
				if result, err = eng.Evaluate(ctx, d.resources); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"resources": len(d.resources),
					"sources":   d.manifest.Sources,
					"policy":    result,
				})
			}

			for _, w := range result.Warnings {
				fmt.Fprintln(out, pterm.Warning.Sprint(w.String()))
			}
			for _, v := range result.Violations {
				fmt.Fprintln(out, pterm.Error.Sprint(v.String()))
			}
			if !result.Allowed {
				return fmt.Errorf("%d policy violations", len(result.Violations))
			}

			fmt.Fprintln(out, pterm.Success.Sprintf("%d resources in %d files are valid", len(d.resources), len(d.manifest.Sources)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not evaluate policies")

	return cmd
}
