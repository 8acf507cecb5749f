package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		debounce time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <manifest>...",
		Short: "Apply manifests whenever they change",
		Long: `Apply the manifests, then apply them again whenever a manifest file
changes. With --interval the manifests are also applied periodically,
correcting drift in the targets. Policy paths are reloaded on change.`,
		Example: `  # Re-apply on every edit
  converge watch manifests/

  # Also correct drift every ten minutes
  converge watch manifests/ --interval 10m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := telemetry.FromContext(ctx).NewComponentLogger("watch")

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close(ctx)
			}()

			if len(policyDirs) > 0 {
				eng, err := a.policyEngine(ctx)
				if err != nil {
					return err
				}
				if err := eng.Watch(ctx, policyDirs); err != nil {
					return err
				}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			for _, path := range args {
				if err := watchPath(watcher, path); err != nil {
					return err
				}
			}

			apply := func() {
				report, err := a.converge(ctx, args, false)
				if err != nil {
					log.WithError(err).Error("Convergence failed")
					return
				}
				if err := printReport(cmd.OutOrStdout(), report); err != nil {
					log.WithError(err).Warn("Failed to print report")
				}
			}
			apply()

			var tick <-chan time.Time
			if interval > 0 {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				tick = ticker.C
			}

			var pending <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if _, manifest := config.FormatOf(event.Name); !manifest {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					log.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("Manifest changed")
					pending = time.After(debounce)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.WithError(err).Warn("Watcher error")

				case <-pending:
					pending = nil
					apply()

				case <-tick:
					apply()
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "wait for changes to settle before applying")
	cmd.Flags().DurationVar(&interval, "interval", 0, "also apply periodically, 0 to disable")

	return cmd
}

// watchPath watches a manifest directory tree, or the directory holding a
// manifest file so that editors replacing the file are noticed.
func watchPath(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

