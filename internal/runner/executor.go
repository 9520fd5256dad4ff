package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/pkg/models"
)

// Options carries per-call execution options.
type Options struct {
	Timeout  time.Duration
	WorkDir  string
	Env      map[string]string
	Priority string
}

// Executor runs foreground commands with enforced timeouts. It owns the
// active-process table; no other component mutates it.
type Executor struct {
	cfg *config.ExecutorConfig
	bus *events.Bus

	stats *Stats

	mu     sync.Mutex
	active map[string]*activeProcess

	// 0 means unlimited. Violations are reported immediately, never queued.
	maxConcurrent int
}

type activeProcess struct {
	handle *models.ProcessHandle
	cancel context.CancelFunc
}

// NewExecutor creates an executor with the given configuration and event bus.
func NewExecutor(cfg *config.ExecutorConfig, bus *events.Bus) *Executor {
	return &Executor{
		cfg:    cfg,
		bus:    bus,
		stats:  NewStats(),
		active: make(map[string]*activeProcess),
	}
}

// SetMaxConcurrent bounds the number of simultaneously active foreground
// commands. Zero removes the bound.
func (e *Executor) SetMaxConcurrent(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxConcurrent = n
}

// Run executes a command and blocks until a terminal outcome. The returned
// error is non-nil only for invalid input or a concurrent-limit violation;
// every process-level failure is reported on the result.
func (e *Executor) Run(ctx context.Context, command string, args []string, opts Options) (models.ExecutionResult, error) {
	if strings.TrimSpace(command) == "" {
		return models.ExecutionResult{}, ErrEmptyCommand
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout()
	}
	if timeout < 0 {
		return models.ExecutionResult{}, ErrInvalidTimeout
	}

	handle := &models.ProcessHandle{
		ID:          uuid.NewString(),
		Command:     command,
		Args:        args,
		StartedAt:   time.Now(),
		Status:      models.ProcessStatusRunning,
		MaxDuration: timeout,
		Metadata: models.ProcessMetadata{
			Priority: opts.Priority,
			WorkDir:  opts.WorkDir,
			Env:      opts.Env,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.maxConcurrent > 0 && len(e.active) >= e.maxConcurrent {
		e.mu.Unlock()
		return models.ExecutionResult{}, ErrTooManyProcesses
	}
	e.active[handle.ID] = &activeProcess{handle: handle, cancel: cancel}
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.ExecutionStarted, HandleID: handle.ID})
	if e.cfg.VerboseLogging {
		log.Info().
			Str("handleId", handle.ID).
			Str("command", command).
			Strs("args", args).
			Dur("timeout", timeout).
			Msg("Executing command")
	}

	result := Run(runCtx, Spec{
		Command:        command,
		Args:           args,
		Timeout:        timeout,
		ForceKillGrace: e.cfg.ForceKillGrace(),
		WorkDir:        opts.WorkDir,
		Env:            opts.Env,
	}, func(status models.ProcessStatus) {
		e.mu.Lock()
		handle.Status = status
		if status.Terminal() && handle.Elapsed == 0 {
			handle.Elapsed = time.Since(handle.StartedAt)
		}
		e.mu.Unlock()
	})
	result.HandleID = handle.ID

	e.mu.Lock()
	handle.PID = result.PID
	delete(e.active, handle.ID)
	e.mu.Unlock()

	e.stats.Record(result)
	e.publishOutcome(handle.ID, result)

	return result, nil
}

// Stop requests termination of an active command. It is idempotent: stopping
// an unknown or already-resolved handle returns false.
func (e *Executor) Stop(handleID string) bool {
	e.mu.Lock()
	proc, ok := e.active[handleID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	proc.cancel()
	return true
}

// Active returns a snapshot of the active handle table.
func (e *Executor) Active() []models.ProcessHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	handles := make([]models.ProcessHandle, 0, len(e.active))
	for _, proc := range e.active {
		handles = append(handles, *proc.handle)
	}
	return handles
}

// ActiveCount returns the number of currently running commands.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Stats returns the execution aggregate snapshot.
func (e *Executor) Stats() models.ExecutionStats {
	return e.stats.Snapshot()
}

// ResetStats clears the execution aggregate.
func (e *Executor) ResetStats() {
	e.stats.Reset()
}

func (e *Executor) publishOutcome(handleID string, result models.ExecutionResult) {
	ev := events.Event{HandleID: handleID, Result: &result, Error: result.Error}
	switch {
	case result.TimedOut:
		ev.Type = events.ExecutionTimedOut
	case result.Success:
		ev.Type = events.ExecutionCompleted
	default:
		ev.Type = events.ExecutionFailed
	}
	e.bus.Publish(ev)
}
