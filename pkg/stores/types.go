package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// AuditAction identifies what an audit entry records.
type AuditAction string

const (
	AuditActionTargetWritten  AuditAction = "target.written"
	AuditActionFlushFailed    AuditAction = "target.flush_failed"
	AuditActionBackupRestored AuditAction = "backup.restored"
)

// Backup is the content a target held before it was overwritten.
type Backup struct {
	ID        int64     `json:"id"`
	Target    string    `json:"target"`
	Checksum  string    `json:"checksum"` // SHA256 of content
	Size      int       `json:"size"`
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is the persisted summary of one convergence run.
type Run struct {
	ID          string           `json:"id"`
	Manifest    string           `json:"manifest"`
	Status      engine.RunStatus `json:"status"`
	Noop        bool             `json:"noop"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Counts      string           `json:"counts"` // JSON object of outcome kind to count
	CreatedAt   time.Time        `json:"created_at"`
}

// Outcome is one persisted resource outcome of a run.
type Outcome struct {
	ID       int64              `json:"id"`
	RunID    string             `json:"run_id"`
	Resource string             `json:"resource"`
	Provider string             `json:"provider"`
	Target   string             `json:"target"`
	Kind     engine.OutcomeKind `json:"kind"`
	Purged   bool               `json:"purged"`
	Deltas   string             `json:"deltas"` // JSON array of deltas
	Error    *string            `json:"error,omitempty"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64       `json:"id"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Target    *string     `json:"target,omitempty"`
	RunID     *string     `json:"run_id,omitempty"`
	Details   *string     `json:"details,omitempty"` // JSON blob
	Timestamp time.Time   `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Backup operations
	Backup(ctx context.Context, target string, content []byte) (string, error)
	GetBackup(ctx context.Context, checksum string) (*Backup, error)
	ListBackups(ctx context.Context, target *string, limit, offset int) ([]*Backup, error)
	DeleteBackupsBefore(ctx context.Context, before time.Time) (int64, error)

	// Run history
	RecordRun(ctx context.Context, report *engine.Report, manifest string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListOutcomesByRun(ctx context.Context, runID string) ([]*Outcome, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *AuditAction, target *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
