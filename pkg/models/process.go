// Package models contains domain models for bankd.
package models

import "time"

// ProcessStatus represents the lifecycle state of an external command.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusTimedOut  ProcessStatus = "timed_out"
	ProcessStatusStopping  ProcessStatus = "stopping"
	ProcessStatusKilled    ProcessStatus = "killed"
	ProcessStatusQueued    ProcessStatus = "queued"
)

// Terminal reports whether the status is a final state. A handle in a
// terminal state never transitions again.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusFailed, ProcessStatusKilled:
		return true
	}
	return false
}

// ProcessMetadata carries per-run options attached to a handle.
type ProcessMetadata struct {
	Priority string            `json:"priority,omitempty"`
	WorkDir  string            `json:"work_dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// ProcessHandle represents one in-flight or completed external command.
// Status transitions are monotonic; elapsed time is finalized exactly once,
// at the terminal transition.
type ProcessHandle struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Args        []string        `json:"args,omitempty"`
	PID         int             `json:"pid,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Status      ProcessStatus   `json:"status"`
	Elapsed     time.Duration   `json:"elapsed"`
	MaxDuration time.Duration   `json:"max_duration"`
	Metadata    ProcessMetadata `json:"metadata,omitzero"`
}

// ExecutionResult is the immutable outcome of a ProcessHandle. Exactly one
// result is produced per handle.
type ExecutionResult struct {
	HandleID string        `json:"handle_id"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Elapsed  time.Duration `json:"elapsed"`
	PID      int           `json:"pid,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Killed   bool          `json:"killed"`
	Error    string        `json:"error,omitempty"`
}

// ExecutionStats is a snapshot of the process-wide execution aggregate.
type ExecutionStats struct {
	Total       int64         `json:"total"`
	Succeeded   int64         `json:"succeeded"`
	TimedOut    int64         `json:"timed_out"`
	Failed      int64         `json:"failed"`
	MinElapsed  time.Duration `json:"min_elapsed"`
	MaxElapsed  time.Duration `json:"max_elapsed"`
	AvgElapsed  time.Duration `json:"avg_elapsed"`
	SuccessRate float64       `json:"success_rate"`
}
