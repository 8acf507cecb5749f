package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/openfroyo/converge/pkg/filetype"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Opener resolves target identifiers to backing files.
type Opener interface {
	Open(ctx context.Context, target string) (filetype.FileType, error)
}

// RestoreResult describes a restore.
type RestoreResult struct {
	Backup *Backup

	// Target is where the content was written.
	Target string

	// Previous is the checksum of the content that was replaced, empty when
	// the target did not exist or already held the backup.
	Previous string

	// Written is false when the target already held the backup content.
	Written bool
}

// Restore writes a backup back to its target, or to target when not
// empty. The content being replaced is backed up first.
func (s *SQLiteStore) Restore(ctx context.Context, checksum, target string, opener Opener) (*RestoreResult, error) {
	backup, err := s.GetBackup(ctx, checksum)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = backup.Target
	}

	log := telemetry.FromContext(ctx).WithTarget(target).WithField("checksum", backup.Checksum)
	result := &RestoreResult{Backup: backup, Target: target}

	file, err := opener.Open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target, err)
	}

	current, err := file.Read(ctx)
	switch {
	case err == nil:
		if bytes.Equal(current, backup.Content) {
			log.Info("Target already holds the backup")
			return result, nil
		}
		if len(current) > 0 {
			if result.Previous, err = s.Backup(ctx, target, current); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}

	if err := file.Write(ctx, backup.Content); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", target, err)
	}
	result.Written = true

	details, _ := json.Marshal(map[string]string{
		"checksum": backup.Checksum,
		"previous": result.Previous,
		"path":     file.Path(),
	})
	detailStr := string(details)
	if err := s.CreateAuditEntry(ctx, &AuditEntry{
		Action:  AuditActionBackupRestored,
		Actor:   "converge",
		Target:  &target,
		Details: &detailStr,
	}); err != nil {
		return nil, err
	}

	log.Info("Backup restored")
	return result, nil
}
