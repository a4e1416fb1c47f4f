package compliance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steward-sh/steward/internal/log"
)

// Watcher monitors the rules document and reloads the engine when it
// changes. Edits are debounced so an editor's save burst reloads once. On
// each reload a trigger marker is written next to the document so
// out-of-process analysers notice the new rule set.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	engine    *Engine
	docPath   string
	debounce  time.Duration
	reloaded  chan struct{}
	done      chan struct{}
}

const defaultDebounce = 2 * time.Second

// NewWatcher creates a watcher reloading engine from docPath. debounce <= 0
// selects the default.
func NewWatcher(engine *Engine, docPath string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		fsWatcher: fsw,
		engine:    engine,
		docPath:   docPath,
		debounce:  debounce,
		reloaded:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the document's directory. The returned channel
// receives a signal after each completed reload.
func (w *Watcher) Start() (<-chan struct{}, error) {
	dir := filepath.Dir(w.docPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.SafeGo("compliance-watcher", w.loop)
	return w.reloaded, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.reload()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatRules, "rules watcher error", err, "path", w.docPath)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	if err := w.engine.LoadRulesFile(w.docPath); err != nil {
		// Previous rule set stays active on a bad edit.
		log.ErrorErr(log.CatRules, "rules reload failed", err, "path", w.docPath)
		return
	}
	w.writeTriggerMarker()
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// writeTriggerMarker touches <doc>.reload with the reload timestamp.
func (w *Watcher) writeTriggerMarker() {
	marker := w.docPath + ".reload"
	content := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(marker, []byte(content), 0o600); err != nil {
		log.ErrorErr(log.CatRules, "trigger marker write failed", err, "path", marker)
	}
}

// isRelevantEvent filters to writes and creates of the document itself.
// Creates matter because editors commonly replace the file on save.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.docPath)
}
