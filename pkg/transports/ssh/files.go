package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ReadFile returns the content of a remote file. Missing files and denied
// access surface as fs.ErrNotExist and fs.ErrPermission in the error chain.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sftpClient, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Path: remotePath, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read", Path: remotePath, Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

// WriteFile replaces a remote file atomically: the content goes to a
// temporary file in the same directory which is then renamed over the
// target. An existing file's mode is kept; new files get mode.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sftpClient, err := c.SFTP()
	if err != nil {
		return err
	}

	if info, err := sftpClient.Stat(remotePath); err == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "write", Path: remotePath, Err: err}
	}

	tmpPath := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+"."+uuid.NewString()[:8])
	log.Debug().Str("path", remotePath).Str("tmp", tmpPath).Int("bytes", len(data)).Msg("writing remote file")

	tmp, err := sftpClient.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return &TransportError{Op: "write", Path: remotePath, Err: fmt.Errorf("failed to create temporary file: %w", err)}
	}

	cleanup := func() {
		_ = tmp.Close()
		_ = sftpClient.Remove(tmpPath)
	}

	if _, err := copyWithContext(ctx, tmp, bytes.NewReader(data)); err != nil {
		cleanup()
		return &TransportError{Op: "write", Path: remotePath, Err: err, IsTemporary: true}
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return &TransportError{Op: "write", Path: remotePath, Err: fmt.Errorf("failed to set permissions: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{Op: "write", Path: remotePath, Err: err}
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{Op: "write", Path: remotePath, Err: fmt.Errorf("failed to rename temporary file: %w", err)}
	}
	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
