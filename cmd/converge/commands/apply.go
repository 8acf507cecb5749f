package commands

import (
	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <manifest>...",
		Short: "Converge targets to the declared state",
		Long: `Converge every target named by the manifests.

This command:
  - Loads and validates the manifests (files or directories)
  - Checks the desired set against the admission policies
  - Reads each target once and applies the minimal changes
  - Purges unmanaged entries in the declared purge scopes
  - Backs up and writes each changed target once
  - Records the run and its outcomes`,
		Example: `  # Apply one manifest
  converge apply crontab.yaml

  # Apply every manifest of a directory
  converge apply manifests/

  # Pass variables to Starlark manifests
  converge apply jobs.star --var env=prod`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd, args, false)
		},
	}

	return cmd
}

// runConverge runs one convergence and prints its report.
func runConverge(cmd *cobra.Command, paths []string, noop bool) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(ctx)
	}()

	report, err := a.converge(ctx, paths, noop)
	if err != nil {
		return err
	}

	if err := printReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if len(report.Failed()) > 0 || len(report.TargetErrors) > 0 {
		return errRunFailed
	}
	return nil
}
