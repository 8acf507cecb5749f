package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <manifest>...",
		Short: "Show what apply would change",
		Long: `Run the convergence without writing any target.

The outcomes are those apply would produce. For every target that would
change, a unified diff of the pending content is printed.`,
		Example: `  # Preview a manifest
  converge plan crontab.yaml

  # Include unchanged resources
  converge plan crontab.yaml --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd, args, true)
		},
	}

	return cmd
}
