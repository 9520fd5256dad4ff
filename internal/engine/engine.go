// Package engine wires execution, checkpointing, rewind and session tracking
// behind one facade. The HTTP layer and the CLI talk only to this package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/background"
	"github.com/membank/bankd/internal/checkpoint"
	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/db/sqlite"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/internal/redact"
	"github.com/membank/bankd/internal/rewind"
	"github.com/membank/bankd/internal/runner"
	"github.com/membank/bankd/internal/session"
	"github.com/membank/bankd/internal/watcher"
	"github.com/membank/bankd/pkg/models"
)

// ErrCheckpointNotFound is returned when a referenced checkpoint id does not
// exist in the store.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Options controls optional engine wiring.
type Options struct {
	// DataDir overrides the default data directory for the timeline
	// database and rewind backups. Empty means config.DataDir().
	DataDir string
	// Timeline disables the sqlite history when false.
	Timeline bool
	// Watch disables the artifact watcher when false.
	Watch bool
}

// Engine is the integration facade over all subsystems. All methods are safe
// for concurrent use.
type Engine struct {
	cfg       *config.Config
	bus       *events.Bus
	artifacts []string

	executor    *runner.Executor
	backgrounds *background.Executor
	checkpoints *checkpoint.Store
	rewinder    *rewind.Engine
	sessions    *session.Tracker

	tlStore  *sqlite.Store
	timeline *sqlite.Timeline
	watch    *watcher.Watcher

	mu       sync.Mutex
	mode     string
	commands map[string]string // background handle id -> command line
	closed   bool

	stopInterval chan struct{}
	listenerID   int
}

// Stats is the aggregate view across all subsystems.
type Stats struct {
	Mode            string                `json:"mode"`
	Foreground      models.ExecutionStats `json:"foreground"`
	Background      models.ExecutionStats `json:"background"`
	ActiveProcesses int                   `json:"active_processes"`
	QueuedProcesses int                   `json:"queued_processes"`
	Checkpoints     int                   `json:"checkpoints"`
	Rewinds         int                   `json:"rewinds"`
	Sessions        models.SessionStats   `json:"sessions"`
}

// New assembles an engine from the configuration and artifact manifest.
func New(cfg *config.Config, manifest *config.ArtifactManifest, opts Options) (*Engine, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = config.DataDir()
	}

	bus := events.NewBus()
	artifacts := manifest.Paths()

	cpStore, err := checkpoint.NewStore(&cfg.Checkpoints, bus)
	if err != nil {
		return nil, err
	}

	rewinder, err := rewind.NewEngine(&cfg.Rewind, artifacts, filepath.Join(dataDir, "backups"), bus)
	if err != nil {
		return nil, err
	}

	sessStore, err := session.NewStore(cfg.Sessions.Dir)
	if err != nil {
		return nil, err
	}
	tracker, err := session.NewTracker(&cfg.Sessions, sessStore, bus)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		bus:         bus,
		artifacts:   artifacts,
		executor:    runner.NewExecutor(&cfg.Executor, bus),
		backgrounds: background.NewExecutor(&cfg.Background, cfg.ForceKillGrace(), bus),
		checkpoints: cpStore,
		rewinder:    rewinder,
		sessions:    tracker,
		mode:        "van",
		commands:    make(map[string]string),
	}
	e.rewinder.SetModeHooks(e.Mode, e.restoreMode)

	if opts.Timeline {
		store, err := sqlite.NewStore(filepath.Join(dataDir, "timeline.db"))
		if err != nil {
			return nil, fmt.Errorf("open timeline: %w", err)
		}
		e.tlStore = store
		e.timeline = sqlite.NewTimeline(store)
	}

	// Background results resolve asynchronously; observe them on the bus so
	// the session timeline and history stay complete.
	e.listenerID = bus.Subscribe(e.onEvent)

	if opts.Watch {
		w, err := watcher.New(artifacts, e.onArtifactChange)
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		e.watch = w
	}

	if sec := cfg.Checkpoints.AutoTriggers.IntervalSec; sec > 0 && cfg.Checkpoints.Enabled {
		e.stopInterval = make(chan struct{})
		go e.intervalLoop(time.Duration(sec) * time.Second)
	}

	return e, nil
}

// Bus exposes the engine's event bus for subscribers such as the SSE layer.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Mode returns the current workflow mode.
func (e *Engine) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// restoreMode sets the mode without triggering a transition checkpoint. The
// rewind engine uses it when restoring a checkpoint's mode label.
func (e *Engine) restoreMode(mode string) {
	if mode == "" {
		return
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()

	if err := e.sessions.SwitchMode(mode, "restored by rewind"); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Warn().Err(err).Str("mode", mode).Msg("Failed to record restored mode")
	}
	e.bus.Publish(events.Event{Type: events.ModeSwitched, Mode: mode})
}

// ExecuteCommand runs a command in the foreground with timeout enforcement.
// Run failures (non-zero exit, timeout) come back in the result; the error
// return is reserved for rejected submissions.
func (e *Engine) ExecuteCommand(ctx context.Context, command string, args []string, opts runner.Options) (models.ExecutionResult, error) {
	result, err := e.executor.Run(ctx, command, args, opts)
	if err != nil {
		return result, err
	}

	e.recordExecution(ctx, command, args, &result, false)

	if result.Success && e.cfg.Checkpoints.Enabled && e.cfg.Checkpoints.AutoTriggers.OnCommand {
		desc := "after command: " + command
		if _, err := e.CreateCheckpoint(desc, models.TriggerCommand); err != nil {
			log.Warn().Err(err).Msg("Auto-checkpoint after command failed")
		}
	}
	return result, nil
}

// ExecuteInBackground submits a command for background execution and returns
// its handle id immediately.
func (e *Engine) ExecuteInBackground(command string, args []string, opts runner.Options) (string, error) {
	handleID, err := e.backgrounds.Submit(command, args, opts)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.commands[handleID] = commandLine(command, args)
	e.mu.Unlock()
	return handleID, nil
}

// StopProcess terminates a foreground or background process by handle id.
func (e *Engine) StopProcess(handleID string) bool {
	if e.executor.Stop(handleID) {
		return true
	}
	return e.backgrounds.Stop(handleID)
}

// SwitchMode changes the workflow mode, optionally snapshotting artifact
// state first so the transition can be rewound. It returns the transition
// checkpoint, or nil when transition checkpoints are disabled.
func (e *Engine) SwitchMode(mode, description string) (*models.Checkpoint, error) {
	if mode == "" {
		return nil, errors.New("mode is required")
	}

	var cp *models.Checkpoint
	if e.cfg.Checkpoints.Enabled && e.cfg.Checkpoints.AutoTriggers.OnModeSwitch {
		var err error
		cp, err = e.CreateCheckpoint("before switch to "+mode, models.TriggerModeSwitch)
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()

	if e.sessions.Current() == nil {
		e.sessions.Start(description)
	}
	if err := e.sessions.SwitchMode(mode, description); err != nil {
		log.Warn().Err(err).Str("mode", mode).Msg("Failed to record mode switch")
	}

	e.bus.Publish(events.Event{Type: events.ModeSwitched, Mode: mode})
	return cp, nil
}

// CreateCheckpoint snapshots the monitored artifacts and persists them.
func (e *Engine) CreateCheckpoint(description string, trigger models.TriggerType) (*models.Checkpoint, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}

	artifacts := checkpoint.SnapshotArtifacts(e.artifacts)

	var changed []string
	if prev, err := e.latestCheckpoint(); err == nil && prev != nil {
		changed = checkpoint.ChangedSince(prev.Artifacts, artifacts)
	}

	cp := &models.Checkpoint{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Description:  description,
		Mode:         e.Mode(),
		ChangedFiles: changed,
		Trigger:      trigger,
		Artifacts:    artifacts,
	}

	if _, err := e.checkpoints.Save(cp); err != nil {
		return nil, err
	}

	if err := e.sessions.AddCheckpoint(cp.ID); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Warn().Err(err).Str("checkpointId", cp.ID).Msg("Failed to record checkpoint on session")
	}
	if e.timeline != nil {
		if err := e.timeline.RecordCheckpoint(context.Background(), cp); err != nil {
			log.Warn().Err(err).Str("checkpointId", cp.ID).Msg("Failed to record checkpoint history")
		}
	}
	return cp, nil
}

// GetCheckpoint loads one checkpoint, or nil when absent or unreadable.
func (e *Engine) GetCheckpoint(id string) (*models.Checkpoint, error) {
	return e.checkpoints.Load(id)
}

// Checkpoints returns all stored checkpoints, oldest first.
func (e *Engine) Checkpoints() ([]*models.Checkpoint, error) {
	return e.checkpoints.All()
}

// DeleteCheckpoint removes a checkpoint. Unknown ids report false.
func (e *Engine) DeleteCheckpoint(id string) (bool, error) {
	return e.checkpoints.Delete(id)
}

// RewindTo restores artifact state from the named checkpoint.
func (e *Engine) RewindTo(checkpointID string) (models.RewindResult, error) {
	cp, err := e.checkpoints.Load(checkpointID)
	if err != nil {
		return models.RewindResult{}, err
	}
	if cp == nil {
		return models.RewindResult{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}

	result := e.rewinder.RewindTo(cp)

	if e.timeline != nil {
		ops := e.rewinder.History()
		if len(ops) > 0 {
			op := ops[len(ops)-1]
			if err := e.timeline.RecordRewind(context.Background(), &op); err != nil {
				log.Warn().Err(err).Str("operationId", op.ID).Msg("Failed to record rewind history")
			}
		}
	}
	return result, nil
}

// UndoLastRewind restores the pre-rewind backup of the most recent completed
// rewind. It reports false when there is nothing to undo.
func (e *Engine) UndoLastRewind() bool {
	return e.rewinder.UndoLast()
}

// RewindHistory returns recorded rewind operations, oldest first.
func (e *Engine) RewindHistory() []models.RewindOperation {
	return e.rewinder.History()
}

// StartSession begins a new work session, completing any active one first.
func (e *Engine) StartSession(description string) *models.Session {
	return e.sessions.Start(description)
}

// EndSession completes the active session, or returns nil when none exists.
func (e *Engine) EndSession() *models.Session {
	return e.sessions.End()
}

// CurrentSession returns a snapshot of the active session, or nil.
func (e *Engine) CurrentSession() *models.Session {
	return e.sessions.Current()
}

// Sessions returns completed sessions, oldest first.
func (e *Engine) Sessions() []*models.Session {
	return e.sessions.History()
}

// ActiveProcesses returns all live foreground and background handles with
// credential-looking environment values masked.
func (e *Engine) ActiveProcesses() []models.ProcessHandle {
	handles := e.executor.Active()
	handles = append(handles, e.backgrounds.Handles()...)
	for i := range handles {
		handles[i].Metadata.Env = redact.Env(handles[i].Metadata.Env)
	}
	return handles
}

// Timeline exposes the sqlite history, or nil when disabled.
func (e *Engine) Timeline() *sqlite.Timeline {
	return e.timeline
}

// Stats aggregates statistics across all subsystems.
func (e *Engine) Stats() Stats {
	cpCount, err := e.checkpoints.Count()
	if err != nil {
		cpCount = 0
	}
	return Stats{
		Mode:            e.Mode(),
		Foreground:      e.executor.Stats(),
		Background:      e.backgrounds.Stats(),
		ActiveProcesses: e.executor.ActiveCount() + e.backgrounds.ActiveCount(),
		QueuedProcesses: e.backgrounds.QueueSize(),
		Checkpoints:     cpCount,
		Rewinds:         len(e.rewinder.History()),
		Sessions:        e.sessions.Stats(),
	}
}

// Close shuts the engine down: stops the watcher and interval loop, drains
// background work, ends any active session and closes the timeline store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.watch != nil {
		if err := e.watch.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop artifact watcher")
		}
	}
	if e.stopInterval != nil {
		close(e.stopInterval)
	}

	e.backgrounds.Close()
	e.sessions.End()
	e.bus.Unsubscribe(e.listenerID)

	if e.tlStore != nil {
		return e.tlStore.Close()
	}
	return nil
}

// onEvent records asynchronous background outcomes.
func (e *Engine) onEvent(ev events.Event) {
	switch ev.Type {
	case events.ProcessCompleted, events.ProcessFailed, events.ProcessStopped:
		if ev.Result == nil {
			return
		}
		e.mu.Lock()
		command := e.commands[ev.HandleID]
		delete(e.commands, ev.HandleID)
		e.mu.Unlock()

		rec := models.CommandRecord{
			Command:    command,
			At:         ev.At,
			Elapsed:    ev.Result.Elapsed,
			Success:    ev.Result.Success,
			ExitCode:   ev.Result.ExitCode,
			Background: true,
		}
		if err := e.sessions.AddCommand(rec); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			log.Warn().Err(err).Str("handleId", ev.HandleID).Msg("Failed to record background command")
		}
		if e.timeline != nil {
			recorded := *ev.Result
			recorded.Error = redact.Text(recorded.Error)
			if err := e.timeline.RecordExecution(context.Background(), command, &recorded, true); err != nil {
				log.Warn().Err(err).Str("handleId", ev.HandleID).Msg("Failed to record background execution")
			}
		}
	}
}

// onArtifactChange handles a debounced watcher notification.
func (e *Engine) onArtifactChange(path, changeType string) {
	if err := e.sessions.AddFileChange(path, changeType); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to record file change")
	}
	e.bus.Publish(events.Event{Type: events.FileChanged, Path: path})

	if e.cfg.Checkpoints.Enabled && e.cfg.Checkpoints.AutoTriggers.OnFileChange {
		if _, err := e.CreateCheckpoint("artifact changed: "+filepath.Base(path), models.TriggerFileChange); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Auto-checkpoint after file change failed")
		}
	}
}

func (e *Engine) intervalLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopInterval:
			return
		case <-ticker.C:
			if _, err := e.CreateCheckpoint("periodic snapshot", models.TriggerInterval); err != nil {
				log.Warn().Err(err).Msg("Interval checkpoint failed")
			}
		}
	}
}

// recordExecution appends one foreground result to the session and timeline.
func (e *Engine) recordExecution(ctx context.Context, command string, args []string, res *models.ExecutionResult, bg bool) {
	rec := models.CommandRecord{
		Command:  command,
		Args:     args,
		Elapsed:  res.Elapsed,
		Success:  res.Success,
		ExitCode: res.ExitCode,
	}
	if err := e.sessions.AddCommand(rec); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Warn().Err(err).Str("handleId", res.HandleID).Msg("Failed to record command")
	}
	if e.timeline != nil {
		recorded := *res
		recorded.Error = redact.Text(recorded.Error)
		if err := e.timeline.RecordExecution(ctx, commandLine(command, args), &recorded, bg); err != nil {
			log.Warn().Err(err).Str("handleId", res.HandleID).Msg("Failed to record execution")
		}
	}
}

// latestCheckpoint returns the most recent checkpoint, or nil.
func (e *Engine) latestCheckpoint() (*models.Checkpoint, error) {
	cps, err := e.checkpoints.All()
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[len(cps)-1], nil
}

func commandLine(command string, args []string) string {
	line := command
	for _, a := range args {
		line += " " + a
	}
	return line
}
