package domain

import "time"

// CheckpointStatus is the state of one migration for one stage.
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointCompleted CheckpointStatus = "completed"
)

// MigrationCheckpoint records how far a migration got. StepsDone counts the
// leading steps that completed; the next run starts at index StepsDone.
type MigrationCheckpoint struct {
	Stage       Stage            `json:"stage"`
	MigrationID string           `json:"migrationId"`
	RunID       string           `json:"runId"`
	StepsDone   int              `json:"stepsDone"`
	TotalSteps  int              `json:"totalSteps"`
	LastStep    string           `json:"lastStep"`
	Status      CheckpointStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}
