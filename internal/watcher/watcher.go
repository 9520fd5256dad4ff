// Package watcher provides file system watching for the monitored memory-bank
// artifacts, turning raw fsnotify events into debounced change notifications.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeFunc receives one debounced artifact change. changeType is one of
// "created", "modified" or "deleted".
type ChangeFunc func(path, changeType string)

// Watcher monitors a fixed set of artifact files. It watches the parent
// directories since fsnotify cannot watch files that do not exist yet.
type Watcher struct {
	targets  map[string]struct{} // absolute artifact paths
	parents  map[string]struct{} // directories actually watched
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	debounce time.Duration

	mu      sync.Mutex
	running bool
	pending map[string]*pendingChange
}

type pendingChange struct {
	timer      *time.Timer
	changeType string
}

// New creates a Watcher over the given artifact paths. Paths are cleaned;
// duplicates collapse.
func New(paths []string, onChange ChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		targets:  make(map[string]struct{}, len(paths)),
		parents:  make(map[string]struct{}),
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: 200 * time.Millisecond,
		pending:  make(map[string]*pendingChange),
	}
	for _, p := range paths {
		clean := filepath.Clean(p)
		w.targets[clean] = struct{}{}
		w.parents[filepath.Dir(clean)] = struct{}{}
	}
	return w, nil
}

// Start begins watching. Missing parent directories are skipped with a
// warning; watches are re-established when a parent reappears.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for parent := range w.parents {
		if err := w.addWatch(parent); err != nil {
			log.Warn().Err(err).Str("path", parent).Msg("Failed to add initial watch")
		}
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher and drops any pending notifications.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()

	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = make(map[string]*pendingChange)

	return w.watcher.Close()
}

func (w *Watcher) addWatch(parent string) error {
	if _, err := os.Stat(parent); os.IsNotExist(err) {
		return err
	}
	return w.watcher.Add(parent)
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// A recreated parent directory needs its watch re-established.
	if _, ok := w.parents[path]; ok {
		if event.Op&fsnotify.Create != 0 {
			if err := w.addWatch(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to re-establish watch")
			}
		}
		return
	}

	if _, ok := w.targets[path]; !ok {
		return
	}

	var changeType string
	switch {
	case event.Op&fsnotify.Create != 0:
		changeType = "created"
	case event.Op&fsnotify.Write != 0:
		changeType = "modified"
	case event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0:
		changeType = "deleted"
	default:
		return
	}

	w.schedule(path, changeType)
}

// schedule coalesces bursts of events on one path into a single callback.
// The last change type within the window wins.
func (w *Watcher) schedule(path, changeType string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	if p, ok := w.pending[path]; ok {
		p.changeType = changeType
		p.timer.Stop()
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingChange{changeType: changeType}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
	w.pending[path] = p
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	running := w.running
	w.mu.Unlock()

	if !ok || !running {
		return
	}

	log.Debug().Str("path", path).Str("change", p.changeType).Msg("Artifact changed")
	if w.onChange != nil {
		w.onChange(path, p.changeType)
	}
}
