// Package background runs commands without blocking the caller, bounded by a
// concurrency ceiling with FIFO queueing and bounded auto-recovery.
package background

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/internal/runner"
	"github.com/membank/bankd/pkg/models"
)

// Executor admits background executions against a concurrency ceiling and
// queues the excess. It owns the queue; no other component mutates it.
type Executor struct {
	cfg *config.BackgroundConfig
	bus *events.Bus

	grace time.Duration
	sem   *semaphore.Weighted
	stats *runner.Stats

	mu      sync.Mutex
	queue   []*unit
	running map[string]*unit
	closed  bool

	wg sync.WaitGroup
}

// unit is one submitted command, tracked across queueing, execution and
// recovery attempts. The handle id is stable for the unit's whole life.
type unit struct {
	handle   *models.ProcessHandle
	opts     runner.Options
	attempts int
	cancel   context.CancelFunc
	stopped  bool
}

// NewExecutor creates a background executor.
func NewExecutor(cfg *config.BackgroundConfig, grace time.Duration, bus *events.Bus) *Executor {
	return &Executor{
		cfg:     cfg,
		bus:     bus,
		grace:   grace,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stats:   runner.NewStats(),
		running: make(map[string]*unit),
	}
}

// Submit registers a command for background execution and returns its handle
// id without blocking. If capacity is available the command starts
// immediately; otherwise it is enqueued FIFO and started as slots free up.
func (e *Executor) Submit(command string, args []string, opts runner.Options) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", runner.ErrEmptyCommand
	}

	if opts.Timeout == 0 {
		opts.Timeout = time.Duration(config.DefaultTimeoutMs) * time.Millisecond
	}

	u := &unit{
		handle: &models.ProcessHandle{
			ID:          uuid.NewString(),
			Command:     command,
			Args:        args,
			StartedAt:   time.Now(),
			Status:      models.ProcessStatusQueued,
			MaxDuration: opts.Timeout,
			Metadata: models.ProcessMetadata{
				Priority: opts.Priority,
				WorkDir:  opts.WorkDir,
				Env:      opts.Env,
			},
		},
		opts: opts,
	}

	e.admit(u)
	return u.handle.ID, nil
}

// admit starts the unit if a slot is free, otherwise enqueues it.
func (e *Executor) admit(u *unit) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.sem.TryAcquire(1) {
		e.startLocked(u)
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, u)
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.ProcessQueued, HandleID: u.handle.ID})
	log.Debug().
		Str("handleId", u.handle.ID).
		Str("command", u.handle.Command).
		Msg("Background command queued")
}

// startLocked launches a unit. Caller holds e.mu and a semaphore slot.
func (e *Executor) startLocked(u *unit) {
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.handle.Status = models.ProcessStatusRunning
	u.handle.StartedAt = time.Now()
	e.running[u.handle.ID] = u

	e.wg.Add(1)
	go e.execute(ctx, u)
}

func (e *Executor) execute(ctx context.Context, u *unit) {
	defer e.wg.Done()

	e.bus.Publish(events.Event{Type: events.ProcessStarted, HandleID: u.handle.ID})

	result := runner.Run(ctx, runner.Spec{
		Command:        u.handle.Command,
		Args:           u.handle.Args,
		Timeout:        u.opts.Timeout,
		ForceKillGrace: e.grace,
		WorkDir:        u.opts.WorkDir,
		Env:            u.opts.Env,
	}, func(status models.ProcessStatus) {
		e.mu.Lock()
		u.handle.Status = status
		if status.Terminal() && u.handle.Elapsed == 0 {
			u.handle.Elapsed = time.Since(u.handle.StartedAt)
		}
		e.mu.Unlock()
	})
	result.HandleID = u.handle.ID

	e.mu.Lock()
	delete(e.running, u.handle.ID)
	stopped := u.stopped
	e.mu.Unlock()

	e.sem.Release(1)
	e.dispatchNext()
	e.stats.Record(result)

	switch {
	case stopped:
		e.bus.Publish(events.Event{Type: events.ProcessStopped, HandleID: u.handle.ID, Result: &result})

	case result.Success:
		e.bus.Publish(events.Event{Type: events.ProcessCompleted, HandleID: u.handle.ID, Result: &result})

	case result.TimedOut:
		// Timeouts are terminal; recovery applies to failures only.
		e.bus.Publish(events.Event{Type: events.ProcessFailed, HandleID: u.handle.ID, Result: &result, Error: result.Error})

	default:
		if e.cfg.AutoRecovery && u.attempts < e.cfg.MaxAttempts {
			u.attempts++
			delay := time.Duration(u.attempts*e.cfg.BaseDelayMs) * time.Millisecond
			log.Info().
				Str("handleId", u.handle.ID).
				Int("attempt", u.attempts).
				Int("maxAttempts", e.cfg.MaxAttempts).
				Dur("delay", delay).
				Msg("Background command failed, scheduling recovery")
			time.AfterFunc(delay, func() { e.admit(u) })
			return
		}
		e.bus.Publish(events.Event{Type: events.ProcessFailed, HandleID: u.handle.ID, Result: &result, Error: result.Error})
	}
}

// dispatchNext starts the oldest queued unit if a slot is free.
func (e *Executor) dispatchNext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) == 0 {
		return
	}
	if !e.sem.TryAcquire(1) {
		return
	}
	u := e.queue[0]
	e.queue = e.queue[1:]
	e.startLocked(u)
}

// Stop terminates a running unit (graceful signal, then forced kill after the
// grace window) or removes a queued one. It returns false for unknown or
// already-resolved handles; calling it twice is a safe no-op.
func (e *Executor) Stop(handleID string) bool {
	e.mu.Lock()

	if u, ok := e.running[handleID]; ok {
		if u.stopped {
			e.mu.Unlock()
			return false
		}
		u.stopped = true
		cancel := u.cancel
		e.mu.Unlock()
		cancel()
		return true
	}

	for i, u := range e.queue {
		if u.handle.ID == handleID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			u.handle.Status = models.ProcessStatusKilled
			e.mu.Unlock()
			e.bus.Publish(events.Event{Type: events.ProcessStopped, HandleID: handleID})
			return true
		}
	}

	e.mu.Unlock()
	return false
}

// QueueSize returns the number of queued, not-yet-started units.
func (e *Executor) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ActiveCount returns the number of running units.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Handles returns a snapshot of all queued and running handles.
func (e *Executor) Handles() []models.ProcessHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	handles := make([]models.ProcessHandle, 0, len(e.running)+len(e.queue))
	for _, u := range e.running {
		handles = append(handles, *u.handle)
	}
	for _, u := range e.queue {
		handles = append(handles, *u.handle)
	}
	return handles
}

// Stats returns the background execution aggregate.
func (e *Executor) Stats() models.ExecutionStats {
	return e.stats.Snapshot()
}

// Close stops accepting work, terminates running units and waits for them.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, u := range e.running {
		u.stopped = true
		if u.cancel != nil {
			cancels = append(cancels, u.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	e.wg.Wait()
}
