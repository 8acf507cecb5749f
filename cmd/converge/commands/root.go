package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Environment variables providing flag defaults. They may be set in the
// env file.
const (
	EnvTabDir      = "CONVERGE_TAB_DIR"
	EnvDB          = "CONVERGE_DB"
	EnvPolicyDir   = "CONVERGE_POLICY_DIR"
	EnvLogLevel    = "CONVERGE_LOG_LEVEL"
	EnvMetricsAddr = "CONVERGE_METRICS_ADDR"
	EnvSSHKey      = "CONVERGE_SSH_KEY"
	EnvSSHJump     = "CONVERGE_SSH_JUMP"
	EnvOTLP        = "CONVERGE_OTLP_ENDPOINT"
)

// DefaultTabDir is where bare crontab target names resolve.
const DefaultTabDir = "/var/spool/cron/crontabs"

var (
	// Global flags
	envFile     string
	tabDir      string
	dbPath      string
	policyDirs  []string
	sshKey      string
	sshJump     string
	metricsAddr string
	vars        []string
	verbose     bool
	jsonOutput  bool

	tel *telemetry.Telemetry
)

// errRunFailed marks a run that completed with failed outcomes.
var errRunFailed = errors.New("run did not fully converge")

// ExitCode maps a command error to a process exit code: 2 for runs that
// finished with failures, 1 otherwise.
func ExitCode(err error) int {
	if errors.Is(err, errRunFailed) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)

	if tel != nil {
		if serr := tel.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - declarative resource convergence",
		Long: `converge brings flat record files such as crontabs to a declared state.

Manifests written in YAML, JSON, CUE or Starlark list the desired
resources. Each run reads every target once, applies the minimal set of
changes, optionally purges unmanaged entries and writes each target at
most once. Previous contents are kept in a backup bucket.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(cmd); err != nil {
				return err
			}

			var err error
			tel, err = telemetry.NewTelemetry(telemetryConfig(version))
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			if err := tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			cmd.SetContext(tel.WithContext(cmd.Context()))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "file with CONVERGE_* defaults")
	flags.StringVar(&tabDir, "tab-dir", DefaultTabDir, "directory bare target names resolve into ($"+EnvTabDir+")")
	flags.StringVar(&dbPath, "db", defaultDBPath(), "backup and run history database ($"+EnvDB+")")
	flags.StringSliceVar(&policyDirs, "policy", nil, "policy files or directories ($"+EnvPolicyDir+")")
	flags.StringVar(&sshKey, "ssh-key", "", "private key for sftp:// targets, ssh-agent when empty ($"+EnvSSHKey+")")
	flags.StringVar(&sshJump, "ssh-jump", "", "jump host for sftp:// targets as [user@]host[:port] ($"+EnvSSHJump+")")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address ($"+EnvMetricsAddr+")")
	flags.StringArrayVar(&vars, "var", nil, "variable passed to Starlark manifests as key=value")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "converge.db"
	}
	return filepath.Join(dir, "converge", "converge.db")
}

// loadEnv reads the env file and applies CONVERGE_* variables to flags
// that were not set on the command line.
func loadEnv(cmd *cobra.Command) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	flags := cmd.Flags()
	fromEnv := func(flag, key string, dst *string) {
		if v := os.Getenv(key); v != "" && !flags.Changed(flag) {
			*dst = v
		}
	}
	fromEnv("tab-dir", EnvTabDir, &tabDir)
	fromEnv("db", EnvDB, &dbPath)
	fromEnv("ssh-key", EnvSSHKey, &sshKey)
	fromEnv("ssh-jump", EnvSSHJump, &sshJump)
	fromEnv("metrics-addr", EnvMetricsAddr, &metricsAddr)

	if v := os.Getenv(EnvPolicyDir); v != "" && !flags.Changed("policy") {
		policyDirs = filepath.SplitList(v)
	}
	return nil
}

func telemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = "warn"

	switch {
	case verbose:
		cfg.Logging.Level = "debug"
	case os.Getenv(EnvLogLevel) != "":
		cfg.Logging.Level = strings.ToLower(os.Getenv(EnvLogLevel))
	case os.Getenv("LOG_LEVEL") != "":
		cfg.Logging.Level = strings.ToLower(os.Getenv("LOG_LEVEL"))
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}

	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}

	if endpoint := os.Getenv(EnvOTLP); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = endpoint
	}
	return cfg
}

// parseVars turns --var key=value flags into Starlark input.
func parseVars(raw []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid variable %q, expected key=value", kv), nil)
		}
		out[key] = value
	}
	return out, nil
}
