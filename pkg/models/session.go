package models

import "time"

// SessionStatus represents the status of a tracked work session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// KnownModes lists the workflow modes the tooling ships with. Mode labels
// are free-form strings; this set is advisory, not an allowlist.
var KnownModes = []string{"van", "plan", "creative", "implement", "reflect", "archive"}

// ModeEntry is one entry in a session's mode history. Dwell is finalized at
// the next mode switch or at session end, whichever comes first.
type ModeEntry struct {
	Mode      string        `json:"mode"`
	EnteredAt time.Time     `json:"entered_at"`
	Dwell     time.Duration `json:"dwell"`
}

// CommandRecord is one command execution recorded on the session timeline.
type CommandRecord struct {
	Command    string        `json:"command"`
	Args       []string      `json:"args,omitempty"`
	At         time.Time     `json:"at"`
	Elapsed    time.Duration `json:"elapsed"`
	Success    bool          `json:"success"`
	ExitCode   int           `json:"exit_code"`
	Background bool          `json:"background,omitempty"`
}

// FileChangeRecord is one monitored-artifact change on the session timeline.
type FileChangeRecord struct {
	Path       string    `json:"path"`
	ChangeType string    `json:"change_type"`
	At         time.Time `json:"at"`
}

// Session is the tracked timeline of mode switches, commands, checkpoints and
// file changes between a start and end event. At most one session is active
// per process.
type Session struct {
	ID            string             `json:"id"`
	Description   string             `json:"description"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	Duration      time.Duration      `json:"duration"`
	Status        SessionStatus      `json:"status"`
	CurrentMode   string             `json:"current_mode,omitempty"`
	ModeHistory   []ModeEntry        `json:"mode_history,omitempty"`
	CheckpointIDs []string           `json:"checkpoint_ids,omitempty"`
	Commands      []CommandRecord    `json:"commands,omitempty"`
	FileChanges   []FileChangeRecord `json:"file_changes,omitempty"`
	Extra         map[string]string  `json:"extra,omitempty"`
}

// SessionStats is a snapshot of session-level statistics, recomputed
// incrementally on every state change.
type SessionStats struct {
	Total         int           `json:"total"`
	Active        int           `json:"active"`
	Completed     int           `json:"completed"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}
