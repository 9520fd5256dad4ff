// Package session tracks the timeline of mode switches, commands, checkpoints
// and file changes per work session.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/pkg/models"
)

// Store persists sessions one JSON file per id, replaced whole on every
// write. Timestamps serialize as RFC 3339.
type Store struct {
	dir string
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".session")
}

// Save writes the full session record, atomically replacing any prior copy.
func (s *Store) Save(sess *models.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	path := s.path(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Load reads one session by id. A missing file yields nil.
func (s *Store) Load(id string) (*models.Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &sess, nil
}

// LoadAll reads every persisted session, ordered by start time ascending.
// Unreadable files are skipped.
func (s *Store) LoadAll() ([]*models.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var sessions []*models.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".session") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".session")
		sess, err := s.Load(id)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("Skipping unreadable session file")
			continue
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Delete removes a persisted session. Missing files are a no-op.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
