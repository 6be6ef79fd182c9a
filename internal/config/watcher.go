package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific files change.
// Neither reload touches existing records or their baselines.
type WatchTargets struct {
	// OnFactorsChange fires when factors.yaml is written or created.
	// Typically triggers FactorTable.Reload so the next processing run uses
	// the new factors.
	OnFactorsChange func()

	// OnSuppliersChange fires when suppliers.yaml is written or created.
	// Typically triggers Registry.Reload to pick up edited display names.
	OnSuppliersChange func()
}

// Watcher monitors the config directory with fsnotify and dispatches to
// WatchTargets. Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case FactorsFileName:
				slog.Info("factors.yaml changed, triggering reload")
				if targets.OnFactorsChange != nil {
					targets.OnFactorsChange()
				}
			case SuppliersFileName:
				slog.Info("suppliers.yaml changed, triggering reload")
				if targets.OnSuppliersChange != nil {
					targets.OnSuppliersChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
