package models

import "time"

// RewindStatus represents the state of one restore attempt.
type RewindStatus string

const (
	RewindStatusPending    RewindStatus = "pending"
	RewindStatusInProgress RewindStatus = "in_progress"
	RewindStatusCompleted  RewindStatus = "completed"
	RewindStatusFailed     RewindStatus = "failed"
)

// RewindOperation records one restore attempt against a checkpoint. At most
// one operation is in_progress at a time.
type RewindOperation struct {
	ID            string            `json:"id"`
	CheckpointID  string            `json:"checkpoint_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        RewindStatus      `json:"status"`
	FilesRestored int               `json:"files_restored"`
	Mode          string            `json:"mode,omitempty"`
	Error         string            `json:"error,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// RewindResult is the caller-facing outcome of a rewind. On partial failure
// FilesRestored reports how far the restore got before the error.
type RewindResult struct {
	OperationID   string `json:"operation_id"`
	CheckpointID  string `json:"checkpoint_id"`
	Success       bool   `json:"success"`
	FilesRestored int    `json:"files_restored"`
	Mode          string `json:"mode,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ArtifactBackup is the safety snapshot taken immediately before a restore,
// keyed by the target checkpoint id. UndoLast replays it.
type ArtifactBackup struct {
	OperationID  string                   `json:"operation_id"`
	CheckpointID string                   `json:"checkpoint_id"`
	CreatedAt    time.Time                `json:"created_at"`
	Mode         string                   `json:"mode,omitempty"`
	Artifacts    map[string]ArtifactState `json:"artifacts"`
}
