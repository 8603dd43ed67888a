package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// CheckpointStore persists migration progress per stage.
type CheckpointStore interface {
	Get(ctx context.Context, stage Stage, migrationID string) (MigrationCheckpoint, error)
	Save(ctx context.Context, cp MigrationCheckpoint) error
	List(ctx context.Context, stage Stage) ([]MigrationCheckpoint, error)
}

// RewardStateStore persists reward pool state. Load returns ErrNotFound for
// a pool that has never been saved.
type RewardStateStore interface {
	Load(ctx context.Context, poolID string) (RewardPoolState, error)
	Save(ctx context.Context, state RewardPoolState) error
}

// ContractRecordStore keeps the history of contracts written to the settings
// registry.
type ContractRecordStore interface {
	Record(ctx context.Context, stage Stage, layer Layer, rec ContractRecord) error
	History(ctx context.Context, stage Stage, layer Layer, name string) ([]ContractRecord, error)
}
