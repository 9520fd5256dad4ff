// Package rewind restores tracked artifacts and the active mode label to the
// state recorded in a chosen checkpoint.
package rewind

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/checkpoint"
	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/pkg/models"
)

// Errors reported by the engine.
var (
	ErrDisabled   = errors.New("rewind is disabled")
	ErrInProgress = errors.New("another rewind is already in progress")
)

// Engine applies checkpoints back onto the tracked artifacts. Restores are
// serialized by an explicit in-progress flag; a concurrent attempt is
// rejected immediately with no state change.
type Engine struct {
	cfg       *config.RewindConfig
	bus       *events.Bus
	artifacts []string
	backupDir string

	getMode func() string
	setMode func(string)

	mu         sync.Mutex
	inProgress bool
	history    []models.RewindOperation
}

// NewEngine creates a rewind engine over the given monitored artifacts.
func NewEngine(cfg *config.RewindConfig, artifacts []string, backupDir string, bus *events.Bus) (*Engine, error) {
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		artifacts: artifacts,
		backupDir: backupDir,
		getMode:   func() string { return "" },
		setMode:   func(string) {},
	}, nil
}

// SetModeHooks wires the engine to the component owning the tracked-mode
// label.
func (e *Engine) SetModeHooks(get func() string, set func(string)) {
	if get != nil {
		e.getMode = get
	}
	if set != nil {
		e.setMode = set
	}
}

// RewindTo restores the tracked state from a checkpoint. On partial failure
// already-applied changes are left as-is and the result reports how many
// artifacts were restored before the error.
func (e *Engine) RewindTo(cp *models.Checkpoint) models.RewindResult {
	result := models.RewindResult{CheckpointID: cp.ID}

	if !e.cfg.Enabled {
		result.Error = ErrDisabled.Error()
		return result
	}

	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		result.Error = ErrInProgress.Error()
		return result
	}
	e.inProgress = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	op := models.RewindOperation{
		ID:           uuid.NewString(),
		CheckpointID: cp.ID,
		Timestamp:    time.Now(),
		Status:       models.RewindStatusPending,
		Mode:         cp.Mode,
		Extra:        cp.Extra,
	}
	result.OperationID = op.ID

	e.bus.Publish(events.Event{Type: events.RewindStarted, CheckpointID: cp.ID})
	log.Info().
		Str("operationId", op.ID).
		Str("checkpointId", cp.ID).
		Msg("Rewinding to checkpoint")

	if e.cfg.Backups {
		backup := models.ArtifactBackup{
			OperationID:  op.ID,
			CheckpointID: cp.ID,
			CreatedAt:    time.Now(),
			Mode:         e.getMode(),
			Artifacts:    checkpoint.SnapshotArtifacts(e.artifacts),
		}
		if err := e.writeBackup(&backup); err != nil {
			op.Status = models.RewindStatusFailed
			op.Error = "backup failed: " + err.Error()
			e.finish(op, &result)
			return result
		}
	}

	op.Status = models.RewindStatusInProgress

	restored, err := applyArtifacts(cp.Artifacts)
	op.FilesRestored = restored
	result.FilesRestored = restored
	if err != nil {
		// Already-applied changes stay in place; this is a documented
		// limitation, reported rather than rolled back.
		op.Status = models.RewindStatusFailed
		op.Error = err.Error()
		e.finish(op, &result)
		return result
	}

	e.setMode(cp.Mode)
	result.Mode = cp.Mode

	op.Status = models.RewindStatusCompleted
	result.Success = true
	e.finish(op, &result)
	return result
}

// UndoLast restores the tracked state from the backup paired with the most
// recent completed rewind. It returns false if no such backup exists.
func (e *Engine) UndoLast() bool {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return false
	}
	e.inProgress = true

	var last *models.RewindOperation
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].Status == models.RewindStatusCompleted {
			last = &e.history[i]
			break
		}
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	if last == nil {
		return false
	}

	backup, err := e.readBackup(last.CheckpointID, last.ID)
	if err != nil || backup == nil {
		log.Warn().
			Str("operationId", last.ID).
			Str("checkpointId", last.CheckpointID).
			Msg("No backup found for last rewind")
		return false
	}

	if _, err := applyArtifacts(backup.Artifacts); err != nil {
		log.Error().Err(err).Str("operationId", last.ID).Msg("Undo failed mid-restore")
		return false
	}
	e.setMode(backup.Mode)

	log.Info().
		Str("operationId", last.ID).
		Str("checkpointId", last.CheckpointID).
		Msg("Undid last rewind")
	return true
}

// History returns the recorded rewind operations, oldest first.
func (e *Engine) History() []models.RewindOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.RewindOperation, len(e.history))
	copy(out, e.history)
	return out
}

// finish records the operation, enforces history retention and publishes the
// terminal event.
func (e *Engine) finish(op models.RewindOperation, result *models.RewindResult) {
	e.mu.Lock()
	e.history = append(e.history, op)
	if e.cfg.MaxHistory > 0 && len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
	e.mu.Unlock()

	if op.Status == models.RewindStatusCompleted {
		e.bus.Publish(events.Event{Type: events.RewindCompleted, CheckpointID: op.CheckpointID})
		return
	}
	result.Error = op.Error
	e.bus.Publish(events.Event{Type: events.RewindFailed, CheckpointID: op.CheckpointID, Error: op.Error})
	log.Error().
		Str("operationId", op.ID).
		Str("checkpointId", op.CheckpointID).
		Int("filesRestored", op.FilesRestored).
		Str("error", op.Error).
		Msg("Rewind failed")
}

func (e *Engine) backupPath(checkpointID, operationID string) string {
	return filepath.Join(e.backupDir, checkpointID+"-"+operationID+".backup")
}

func (e *Engine) writeBackup(backup *models.ArtifactBackup) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return err
	}
	path := e.backupPath(backup.CheckpointID, backup.OperationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *Engine) readBackup(checkpointID, operationID string) (*models.ArtifactBackup, error) {
	data, err := os.ReadFile(e.backupPath(checkpointID, operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var backup models.ArtifactBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

// applyArtifacts writes or deletes each recorded artifact, in deterministic
// path order, returning how many were applied before any failure.
func applyArtifacts(artifacts map[string]models.ArtifactState) (int, error) {
	paths := make([]string, 0, len(artifacts))
	for path := range artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	restored := 0
	for _, path := range paths {
		state := artifacts[path]
		if state.Exists {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return restored, fmt.Errorf("restore %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(state.Content), 0o600); err != nil {
				return restored, fmt.Errorf("restore %s: %w", path, err)
			}
		} else {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return restored, fmt.Errorf("remove %s: %w", path, err)
			}
		}
		restored++
	}
	return restored, nil
}
