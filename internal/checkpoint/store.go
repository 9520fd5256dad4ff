package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/pkg/models"
)

// ErrTooLarge is returned when a checkpoint's serialized form exceeds the
// configured size ceiling. Nothing is written in that case.
var ErrTooLarge = errors.New("checkpoint exceeds size ceiling")

// Store persists checkpoints one file per id. A save is a single whole-file
// write (serialize, compress, encrypt, atomic rename); a load is the exact
// inverse. Writes to the same id are serialized; distinct ids may be written
// concurrently.
type Store struct {
	cfg *config.CheckpointConfig
	bus *events.Bus

	compressor Compressor
	encryptor  Encryptor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a checkpoint store. Compression and encryption strategies
// come from the configuration; both default to no-ops.
func NewStore(cfg *config.CheckpointConfig, bus *events.Bus) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	s := &Store{
		cfg:        cfg,
		bus:        bus,
		compressor: NoopCompressor{},
		encryptor:  NoopEncryptor{},
		locks:      make(map[string]*sync.Mutex),
	}
	if cfg.Compression {
		s.compressor = GzipCompressor{}
	}
	if cfg.EncryptionKey != "" {
		enc, err := NewChaChaEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		s.encryptor = enc
	}
	return s, nil
}

// SetCompressor overrides the compression strategy.
func (s *Store) SetCompressor(c Compressor) { s.compressor = c }

// SetEncryptor overrides the encryption strategy.
func (s *Store) SetEncryptor(e Encryptor) { s.encryptor = e }

// idLock returns the write lock for a checkpoint id.
func (s *Store) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) string {
	return filepath.Join(s.cfg.Dir, id+".checkpoint")
}

// Save validates and persists a checkpoint, returning its storage location.
// Re-saving an existing id is a full replace. After a successful save the
// retention ceiling is enforced.
func (s *Store) Save(cp *models.Checkpoint) (string, error) {
	if err := cp.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("serialize checkpoint: %w", err)
	}
	if data, err = s.compressor.Compress(data); err != nil {
		return "", fmt.Errorf("compress checkpoint: %w", err)
	}
	if data, err = s.encryptor.Encrypt(data); err != nil {
		return "", fmt.Errorf("encrypt checkpoint: %w", err)
	}

	if s.cfg.MaxSizeBytes > 0 && int64(len(data)) > s.cfg.MaxSizeBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.cfg.MaxSizeBytes)
	}

	path := s.path(cp.ID)

	lock := s.idLock(cp.ID)
	lock.Lock()
	err = writeAtomic(path, data)
	lock.Unlock()
	if err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	cp.SizeBytes = int64(len(data))
	cp.Location = path

	log.Debug().
		Str("checkpointId", cp.ID).
		Int64("sizeBytes", cp.SizeBytes).
		Str("trigger", string(cp.Trigger)).
		Msg("Checkpoint saved")
	s.bus.Publish(events.Event{Type: events.CheckpointSaved, CheckpointID: cp.ID})

	if evicted, cleanupErr := s.Cleanup(); cleanupErr != nil {
		log.Warn().Err(cleanupErr).Msg("Checkpoint cleanup failed after save")
	} else if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Checkpoint retention enforced")
	}

	return path, nil
}

// Load reads a checkpoint by id. Missing or malformed files yield nil, never
// a partial record.
func (s *Store) Load(id string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	if data, err = s.encryptor.Decrypt(data); err != nil {
		log.Warn().Err(err).Str("checkpointId", id).Msg("Checkpoint decrypt failed")
		return nil, nil
	}
	if data, err = s.compressor.Decompress(data); err != nil {
		log.Warn().Err(err).Str("checkpointId", id).Msg("Checkpoint decompress failed")
		return nil, nil
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		log.Warn().Err(err).Str("checkpointId", id).Msg("Checkpoint unmarshal failed")
		return nil, nil
	}
	return &cp, nil
}

// Delete removes a checkpoint. It returns true if the file existed.
func (s *Store) Delete(id string) (bool, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	return true, nil
}

// List returns all stored checkpoint ids ordered by creation time ascending.
func (s *Store) List() ([]string, error) {
	cps, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.ID
	}
	return ids, nil
}

// All returns every stored checkpoint ordered by creation time ascending.
func (s *Store) All() ([]*models.Checkpoint, error) {
	return s.loadAll()
}

// Cleanup evicts the oldest checkpoints until the count is at or below the
// retention ceiling. It returns the number evicted.
func (s *Store) Cleanup() (int, error) {
	if s.cfg.MaxCheckpoints <= 0 {
		return 0, nil
	}

	cps, err := s.loadAll()
	if err != nil {
		return 0, err
	}
	excess := len(cps) - s.cfg.MaxCheckpoints
	if excess <= 0 {
		return 0, nil
	}

	evicted := 0
	for _, cp := range cps[:excess] {
		removed, err := s.Delete(cp.ID)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted++
			s.bus.Publish(events.Event{Type: events.CheckpointEvicted, CheckpointID: cp.ID})
		}
	}
	return evicted, nil
}

// Count returns the number of stored checkpoints.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".checkpoint" {
			n++
		}
	}
	return n, nil
}

// loadAll reads every stored checkpoint, sorted by creation time ascending.
// Unreadable files are skipped.
func (s *Store) loadAll() ([]*models.Checkpoint, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var cps []*models.Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".checkpoint" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".checkpoint")]
		cp, err := s.Load(id)
		if err != nil || cp == nil {
			continue
		}
		cps = append(cps, cp)
	}

	sort.Slice(cps, func(i, j int) bool {
		return cps[i].CreatedAt.Before(cps[j].CreatedAt)
	})
	return cps, nil
}

// writeAtomic writes data to path via a temp file and rename, so readers
// never observe a partial checkpoint.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
