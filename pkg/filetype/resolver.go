package filetype

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// SFTPScheme prefixes remote targets: sftp://user@host[:port]/path.
const SFTPScheme = "sftp://"

// SSHConfigFunc builds the connection configuration for a remote target.
type SSHConfigFunc func(host, user string, port int) *ssh.Config

// Resolver maps target identifiers to file types.
//
// Absolute paths are local files, sftp:// URLs are remote files and bare
// names are files inside the resolver's directory. Remote connections are
// shared per host and user until Close.
type Resolver struct {
	dir       string
	sshConfig SSHConfigFunc

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSSHConfig sets how remote connections are configured.
func WithSSHConfig(fn SSHConfigFunc) ResolverOption {
	return func(r *Resolver) {
		r.sshConfig = fn
	}
}

// NewResolver returns a resolver placing bare target names under dir.
func NewResolver(dir string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		dir:       dir,
		sshConfig: func(host, user string, port int) *ssh.Config {
			cfg := ssh.DefaultConfig(host, user)
			cfg.Port = port
			return cfg
		},
		clients: make(map[string]*ssh.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the directory bare names resolve into.
func (r *Resolver) Dir() string {
	return r.dir
}

// Open returns the file type for target.
func (r *Resolver) Open(ctx context.Context, target string) (FileType, error) {
	switch {
	case strings.HasPrefix(target, SFTPScheme):
		return r.openSFTP(ctx, target)
	case filepath.IsAbs(target):
		return NewLocal(filepath.Clean(target)), nil
	default:
		if err := validateName(target); err != nil {
			return nil, err
		}
		if r.dir == "" {
			return nil, fmt.Errorf("target %q is not absolute and no directory is configured", target)
		}
		return NewLocal(filepath.Join(r.dir, target)), nil
	}
}

func (r *Resolver) openSFTP(ctx context.Context, target string) (FileType, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid remote target %q: %w", target, err)
	}
	if u.Hostname() == "" || u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("remote target %q needs a host and a path", target)
	}

	port := 22
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in remote target %q: %w", target, err)
		}
	}

	username := u.User.Username()
	if username == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("remote target %q has no user: %w", target, err)
		}
		username = current.Username
	}

	client, err := r.client(ctx, u.Hostname(), username, port)
	if err != nil {
		return nil, err
	}
	return NewSFTP(client, u.Path), nil
}

func (r *Resolver) client(ctx context.Context, host, username string, port int) (*ssh.Client, error) {
	key := fmt.Sprintf("%s@%s:%d", username, host, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok && c.IsConnected() {
		return c, nil
	}

	c, err := ssh.NewClient(r.sshConfig(host, username, port))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	telemetry.FromContext(ctx).WithField("remote", key).Debug("opened remote target connection")
	r.clients[key] = c
	return c, nil
}

// Close disconnects every remote connection.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, c := range r.clients {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		delete(r.clients, key)
	}
	return errors.Join(errs...)
}

// validateName rejects bare names that would escape the directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty target name")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid target name %q", name)
	}
	return nil
}
