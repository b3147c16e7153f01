package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that a watched file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher surfaces on-disk changes to config.yaml and the roster file so the
// daemon can trigger a registry reload without an explicit request.
type Watcher struct {
	paths  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches config.yaml under homeDir plus any extra files
// (typically the roster file).
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	paths := append([]string{filepath.Join(homeDir, "config.yaml")}, extra...)
	return &Watcher{
		paths:  paths,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the change notification channel. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching; it returns immediately and runs until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, p := range w.paths {
		// Files may not exist yet; that is fine.
		_ = fsw.Add(p)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
					w.logger.Debug("reload event dropped, channel full", "path", ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return nil
}
