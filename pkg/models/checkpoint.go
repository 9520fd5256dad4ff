package models

import (
	"errors"
	"strings"
	"time"
)

// TriggerType identifies what caused a checkpoint to be created.
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerCommand    TriggerType = "command"
	TriggerModeSwitch TriggerType = "mode_switch"
	TriggerFileChange TriggerType = "file_change"
	TriggerInterval   TriggerType = "interval"
)

// ArtifactState captures one monitored artifact at snapshot time. Content is
// only populated when the artifact existed.
type ArtifactState struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
	Exists     bool      `json:"exists"`
	Content    string    `json:"content,omitempty"`
}

// Checkpoint is a named, timestamped snapshot of the tracked state. Once
// persisted its content is append-only: full replace-by-id or delete, never
// a partial update.
type Checkpoint struct {
	ID           string                   `json:"id"`
	CreatedAt    time.Time                `json:"created_at"`
	Description  string                   `json:"description"`
	Mode         string                   `json:"mode"`
	ChangedFiles []string                 `json:"changed_files,omitempty"`
	Trigger      TriggerType              `json:"trigger,omitempty"`
	Artifacts    map[string]ArtifactState `json:"artifacts,omitempty"`
	Extra        map[string]string        `json:"extra,omitempty"`
	SizeBytes    int64                    `json:"size_bytes,omitempty"`
	Location     string                   `json:"location,omitempty"`
}

// Validation errors returned by Checkpoint.Validate.
var (
	ErrCheckpointNoID          = errors.New("checkpoint id is required")
	ErrCheckpointNoTimestamp   = errors.New("checkpoint timestamp is required")
	ErrCheckpointNoDescription = errors.New("checkpoint description is required")
)

// Validate checks the fields a checkpoint must carry before it may be saved.
func (c *Checkpoint) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrCheckpointNoID
	}
	if c.CreatedAt.IsZero() {
		return ErrCheckpointNoTimestamp
	}
	if strings.TrimSpace(c.Description) == "" {
		return ErrCheckpointNoDescription
	}
	return nil
}
