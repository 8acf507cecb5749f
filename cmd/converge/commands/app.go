package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/bindings"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/crontab"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/filetype"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// app holds what the commands share: the backup store, the target
// resolver and the policy engine.
type app struct {
	store    *stores.SQLiteStore
	resolver *filetype.Resolver
	policies *policy.Engine
}

// newApp opens the store and builds the resolver. The policy engine is
// created on first use.
func newApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", dbPath, err)
	}

	if t := telemetry.FromTelemetryContext(ctx); t != nil {
		t.Events.Subscribe(store.AuditSubscriber(ctx, actor()), stores.AuditFilter())
	}

	return &app{
		store:    store,
		resolver: filetype.NewResolver(tabDir, filetype.WithSSHConfig(sshConfig)),
	}, nil
}

// Close drains pending events into the audit log before closing the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if t := telemetry.FromTelemetryContext(ctx); t != nil {
		errs = append(errs, t.Events.Shutdown(context.WithoutCancel(ctx)))
	}
	errs = append(errs, a.resolver.Close(), a.store.Close())
	return errors.Join(errs...)
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "converge"
}

func sshConfig(host, user string, port int) *ssh.Config {
	cfg := sshEndpoint(host, user, port)
	if sshJump != "" {
		jumpUser, jumpHost, jumpPort := splitJump(sshJump, user)
		cfg.Jump = sshEndpoint(jumpHost, jumpUser, jumpPort)
	}
	return cfg
}

func sshEndpoint(host, user string, port int) *ssh.Config {
	cfg := ssh.DefaultConfig(host, user)
	cfg.Port = port
	if sshKey != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = sshKey
	} else {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	return cfg
}

// splitJump parses [user@]host[:port]. The user defaults to the target's.
func splitJump(spec, defaultUser string) (user, host string, port int) {
	user, host, port = defaultUser, spec, 22
	if i := strings.LastIndex(host, "@"); i >= 0 {
		user, host = host[:i], host[i+1:]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}
	return user, host, port
}

// policyEngine returns the policy engine with the configured policy paths
// loaded.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if a.policies != nil {
		return a.policies, nil
	}
	eng, err := policy.NewEngine(telemetry.FromContext(ctx).Zerolog())
	if err != nil {
		return nil, err
	}
	if len(policyDirs) > 0 {
		if err := eng.LoadPolicies(ctx, policyDirs); err != nil {
			return nil, err
		}
	}
	a.policies = eng
	return eng, nil
}

// registry returns the provider registry. Targets are backed up into the
// store before they are written.
func (a *app) registry() (*engine.Registry, error) {
	registry := engine.NewRegistry()
	if err := crontab.Register(registry, a.resolver, crontab.WithBucket(a.store)); err != nil {
		return nil, err
	}
	return registry, nil
}

// desired is a loaded manifest ready to converge.
type desired struct {
	manifest  *config.Manifest
	resources []engine.Resource
	options   engine.RunOptions
}

// load reads and validates the manifests at paths.
func load(ctx context.Context, paths []string) (*desired, error) {
	input, err := parseVars(vars)
	if err != nil {
		return nil, err
	}
	loader := config.NewLoader(config.WithVars(input))

	manifest, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}
	resources, err := manifest.ToResources()
	if err != nil {
		return nil, err
	}
	opts, err := manifest.RunOptions()
	if err != nil {
		return nil, err
	}
	return &desired{manifest: manifest, resources: resources, options: opts}, nil
}

// converge runs the engine over the manifests at paths and records the run.
func (a *app) converge(ctx context.Context, paths []string, noop bool) (*engine.Report, error) {
	d, err := load(ctx, paths)
	if err != nil {
		return nil, err
	}

	registry, err := a.registry()
	if err != nil {
		return nil, err
	}
	admitter, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}

	conv := engine.NewConverger(registry,
		engine.WithBindings(bindings.New(d.manifest.BindingsRoot()).Snapshot()),
		engine.WithAdmitter(admitter),
	)

	opts := d.options
	opts.Noop = noop
	report, err := conv.Run(ctx, d.resources, opts)
	if err != nil {
		return nil, err
	}

	if err := a.store.RecordRun(ctx, report, strings.Join(d.manifest.Sources, ",")); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("Failed to record run")
	}
	return report, nil
}
