package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/pkg/models"
)

// ErrNoActiveSession is returned by mutations when no session is active.
// Callers treat it as a reported no-op, not a failure.
var ErrNoActiveSession = errors.New("no active session")

// Tracker owns the single active session and the retained history. All
// mutations go through it.
type Tracker struct {
	cfg   *config.SessionConfig
	store *Store
	bus   *events.Bus

	mu      sync.Mutex
	current *models.Session
	history []*models.Session
}

// NewTracker creates a tracker, loading prior session history from disk.
func NewTracker(cfg *config.SessionConfig, store *Store, bus *events.Bus) (*Tracker, error) {
	t := &Tracker{cfg: cfg, store: store, bus: bus}

	sessions, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Status == models.SessionStatusActive {
			// The daemon died mid-session; the record is stale.
			sess.Status = models.SessionStatusCancelled
		}
		t.history = append(t.history, sess)
	}
	t.enforceRetentionLocked()
	return t, nil
}

// Start begins a new session, implicitly ending any active one first.
func (t *Tracker) Start(description string) *models.Session {
	t.mu.Lock()
	if t.current != nil {
		t.endLocked()
	}

	now := time.Now()
	sess := &models.Session{
		ID:          uuid.NewString(),
		Description: description,
		StartedAt:   now,
		Status:      models.SessionStatusActive,
	}
	t.current = sess
	t.persistLocked()
	snapshot := *sess
	t.mu.Unlock()

	t.bus.Publish(events.Event{Type: events.SessionStarted, SessionID: sess.ID})
	log.Info().Str("sessionId", sess.ID).Str("description", description).Msg("Session started")
	return &snapshot
}

// End finalizes the active session. It returns nil when none is active.
func (t *Tracker) End() *models.Session {
	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return nil
	}
	sess := t.endLocked()
	snapshot := *sess
	t.mu.Unlock()

	t.bus.Publish(events.Event{Type: events.SessionEnded, SessionID: sess.ID})
	log.Info().
		Str("sessionId", sess.ID).
		Dur("duration", sess.Duration).
		Msg("Session ended")
	return &snapshot
}

// endLocked completes the current session. Caller holds t.mu.
func (t *Tracker) endLocked() *models.Session {
	sess := t.current
	now := time.Now()

	// Finalize the dwell of the last mode entry.
	if n := len(sess.ModeHistory); n > 0 && sess.ModeHistory[n-1].Dwell == 0 {
		sess.ModeHistory[n-1].Dwell = now.Sub(sess.ModeHistory[n-1].EnteredAt)
	}

	sess.EndedAt = &now
	sess.Duration = now.Sub(sess.StartedAt)
	sess.Status = models.SessionStatusCompleted

	t.current = nil
	t.history = append(t.history, sess)
	t.enforceRetentionLocked()
	t.persistSessionLocked(sess)
	return sess
}

// SwitchMode records a mode transition on the active session, finalizing the
// previous entry's dwell.
func (t *Tracker) SwitchMode(mode, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoActiveSession
	}

	now := time.Now()
	if n := len(t.current.ModeHistory); n > 0 {
		t.current.ModeHistory[n-1].Dwell = now.Sub(t.current.ModeHistory[n-1].EnteredAt)
	}
	t.current.ModeHistory = append(t.current.ModeHistory, models.ModeEntry{
		Mode:      mode,
		EnteredAt: now,
	})
	t.current.CurrentMode = mode
	if description != "" {
		if t.current.Extra == nil {
			t.current.Extra = map[string]string{}
		}
		t.current.Extra["mode:"+mode] = description
	}
	t.persistLocked()
	return nil
}

// AddCheckpoint records a checkpoint reference on the active session.
func (t *Tracker) AddCheckpoint(checkpointID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoActiveSession
	}
	t.current.CheckpointIDs = append(t.current.CheckpointIDs, checkpointID)
	t.persistLocked()
	return nil
}

// AddCommand records a command execution on the active session.
func (t *Tracker) AddCommand(rec models.CommandRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoActiveSession
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	t.current.Commands = append(t.current.Commands, rec)
	t.persistLocked()
	return nil
}

// AddFileChange records a monitored-artifact change on the active session.
func (t *Tracker) AddFileChange(path, changeType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoActiveSession
	}
	t.current.FileChanges = append(t.current.FileChanges, models.FileChangeRecord{
		Path:       path,
		ChangeType: changeType,
		At:         time.Now(),
	})
	t.persistLocked()
	return nil
}

// CurrentMode returns the active session's mode label, or empty.
func (t *Tracker) CurrentMode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.CurrentMode
}

// Current returns a snapshot of the active session, or nil.
func (t *Tracker) Current() *models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	snapshot := *t.current
	return &snapshot
}

// History returns completed sessions, oldest first.
func (t *Tracker) History() []*models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Session, len(t.history))
	copy(out, t.history)
	return out
}

// Stats returns session statistics across history and the active session.
func (t *Tracker) Stats() models.SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := models.SessionStats{Total: len(t.history)}
	var completed int
	var totalDur time.Duration
	for _, sess := range t.history {
		if sess.Status == models.SessionStatusCompleted {
			completed++
			totalDur += sess.Duration
		}
	}
	if t.current != nil {
		stats.Total++
		stats.Active = 1
	}
	stats.Completed = completed
	stats.TotalDuration = totalDur
	if completed > 0 {
		stats.AvgDuration = totalDur / time.Duration(completed)
	}
	return stats
}

// enforceRetentionLocked evicts the oldest completed sessions beyond the
// ceiling, removing their persisted files. Caller holds t.mu.
func (t *Tracker) enforceRetentionLocked() {
	max := t.cfg.MaxHistory
	if max <= 0 {
		return
	}
	for len(t.history) > max {
		evicted := t.history[0]
		t.history = t.history[1:]
		if err := t.store.Delete(evicted.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", evicted.ID).Msg("Failed to delete evicted session file")
		}
	}
}

// persistLocked writes the current session if auto-persistence is on.
func (t *Tracker) persistLocked() {
	if t.current != nil {
		t.persistSessionLocked(t.current)
	}
}

func (t *Tracker) persistSessionLocked(sess *models.Session) {
	if !t.cfg.AutoPersist {
		return
	}
	if err := t.store.Save(sess); err != nil {
		log.Error().Err(err).Str("sessionId", sess.ID).Msg("Failed to persist session")
	}
}
