// Package filetype reads and atomically replaces whole backing files, either
// on the local filesystem or on a remote host over SFTP.
package filetype

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

// DefaultMode is the permission of newly created files.
const DefaultMode os.FileMode = 0600

// FileType is one backing file.
type FileType interface {
	// Path returns a display form of the file location.
	Path() string

	// Read returns the whole file. A missing file yields an error matching
	// fs.ErrNotExist.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the whole file atomically.
	Write(ctx context.Context, data []byte) error
}

// Local is a file on the local filesystem.
type Local struct {
	path string
	mode os.FileMode
}

// NewLocal returns a local file type for path.
func NewLocal(path string) *Local {
	return &Local{path: path, mode: DefaultMode}
}

// Path returns the file path.
func (l *Local) Path() string {
	return l.path
}

// Read returns the file content.
func (l *Local) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(l.path)
}

// Write writes data to a temporary file next to the target and renames it
// into place. The mode of an existing file is kept.
func (l *Local) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mode := l.mode
	if info, err := os.Stat(l.path); err == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", l.path, err)
	}

	telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"path":  l.path,
		"bytes": len(data),
	}).Debug("file replaced")
	return nil
}

// SFTP is a file on a remote host.
type SFTP struct {
	client *ssh.Client
	host   string
	path   string
}

// NewSFTP returns a remote file type reached through client.
func NewSFTP(client *ssh.Client, path string) *SFTP {
	info := client.GetConnectionInfo()
	return &SFTP{
		client: client,
		host:   fmt.Sprintf("%s@%s:%d", info.User, info.Host, info.Port),
		path:   path,
	}
}

// Path returns the remote location as user@host:port/path.
func (s *SFTP) Path() string {
	return s.host + s.path
}

// Read returns the remote file content.
func (s *SFTP) Read(ctx context.Context) ([]byte, error) {
	return s.client.ReadFile(ctx, s.path)
}

// Write replaces the remote file.
func (s *SFTP) Write(ctx context.Context, data []byte) error {
	return s.client.WriteFile(ctx, s.path, data, DefaultMode)
}
