package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"history"},
		Short:   "Show recorded runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			runs, err := a.store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			return newPrinter(cmd.OutOrStdout()).Runs(runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the outcomes of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			outcomes, err := a.store.ListOutcomesByRun(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run":      run,
					"outcomes": outcomes,
				})
			}

			mode := "apply"
			if run.Noop {
				mode = "plan"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s (%s) %s, started %s from %s\n",
				run.ID, mode, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"), run.Manifest)
			return newPrinter(cmd.OutOrStdout()).RunOutcomes(outcomes)
		},
	}
}
