package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and restore target backups",
		Long: `Every target is backed up into the database before it is overwritten.
Backups are addressed by the SHA-256 checksum of their content; any unique
prefix of a checksum selects a backup.`,
	}

	cmd.AddCommand(newBackupListCommand())
	cmd.AddCommand(newBackupShowCommand())
	cmd.AddCommand(newBackupRestoreCommand())
	cmd.AddCommand(newBackupPruneCommand())

	return cmd
}

func newBackupListCommand() *cobra.Command {
	var (
		target string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Example: `  # Backups of one target
  converge backup list --target alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			var filter *string
			if target != "" {
				filter = &target
			}
			backups, err := a.store.ListBackups(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), backups)
			}
			if len(backups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups")
				return nil
			}
			return newPrinter(cmd.OutOrStdout()).Backups(backups)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "only list backups of this target")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of backups")

	return cmd
}

func newBackupShowCommand() *cobra.Command {
	var diff bool

	cmd := &cobra.Command{
		Use:   "show <checksum>",
		Short: "Print a backup",
		Example: `  # Print a backup
  converge backup show 3f2a9c

  # Compare a backup with the current target content
  converge backup show 3f2a9c --diff`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			backup, err := a.store.GetBackup(ctx, args[0])
			if err != nil {
				return err
			}

			if !diff {
				_, err := out.Write(backup.Content)
				return err
			}

			file, err := a.resolver.Open(ctx, backup.Target)
			if err != nil {
				return err
			}
			current, err := file.Read(ctx)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if string(current) == string(backup.Content) {
				fmt.Fprintln(out, "Target holds the backup content")
				return nil
			}
			newPrinter(out).Diff(backup.Target, string(backup.Content), string(current))
			return nil
		},
	}

	cmd.Flags().BoolVar(&diff, "diff", false, "diff the backup against the current target")

	return cmd
}

func newBackupRestoreCommand() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "restore <checksum>",
		Short: "Write a backup back to its target",
		Long: `Write a backup back to its target, or to --to. The content being
replaced is backed up first, so a restore can itself be undone.`,
		Example: `  # Undo the last write of a target
  converge backup restore 3f2a9c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			result, err := a.store.Restore(ctx, args[0], to, a.resolver)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			if !result.Written {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already holds backup %s\n", result.Target, shortSum(result.Backup.Checksum))
				return nil
			}
			msg := fmt.Sprintf("Restored %s from backup %s", result.Target, shortSum(result.Backup.Checksum))
			if result.Previous != "" {
				msg += fmt.Sprintf(", previous content saved as %s", shortSum(result.Previous))
			}
			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprint(msg))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "restore into this target instead")

	return cmd
}

func newBackupPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old backups",
		Example: `  # Keep thirty days of backups
  converge backup prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			n, err := a.store.DeleteBackupsBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d backups\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete backups older than this")

	return cmd
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
