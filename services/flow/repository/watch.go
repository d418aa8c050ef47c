// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events an editor produces on save.
const DefaultWatchDebounce = 100 * time.Millisecond

// WatchEvent is delivered to a Watcher's handler after each reload.
type WatchEvent struct {
	// Repository is the newly loaded repository, nil when Err is set.
	Repository *Repository

	// Drift is the difference against the previously loaded repository.
	Drift Drift

	// Err is the reload failure, if any. The previous repository stays current.
	Err error
}

// Watcher reloads a definition file when it changes and reports drift.
//
// # Description
//
// Watches the parent directory rather than the file itself so that editors
// which replace the file by rename are still observed. Only events naming
// the definition file trigger a reload. Reload failures are delivered to
// the handler and never stop the watcher.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	debounce time.Duration
	handler  func(WatchEvent)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu      sync.RWMutex
	current *Repository
}

// NewWatcher loads path once and prepares a watcher for it.
//
// # Inputs
//
//   - path: Definition file to watch.
//   - handler: Called after every reload attempt. Must not be nil.
//   - logger: Logger; nil uses slog.Default().
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil if the initial load or watcher creation fails.
func NewWatcher(path string, handler func(WatchEvent), logger *slog.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("watcher: handler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	repo, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: DefaultWatchDebounce,
		handler:  handler,
		logger:   logger.With(slog.String("component", "definition_watcher"), slog.String("path", abs)),
		watcher:  fw,
		current:  repo,
	}, nil
}

// Current returns the most recently loaded repository.
func (w *Watcher) Current() *Repository {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start processes file events until ctx is cancelled or Stop is called.
// Blocks; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("started watching definition")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("definition watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Debug("definition watcher stopping")
			return
		}
	}
}

// reload loads the file and delivers the result to the handler.
func (w *Watcher) reload() {
	repo, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("definition reload failed", slog.String("error", err.Error()))
		w.handler(WatchEvent{Err: err})
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = repo
	w.mu.Unlock()

	drift := DiffSignatures(prev.Signatures(), repo.Signatures())
	w.logger.Info("definition reloaded",
		slog.Int("added", len(drift.Added)),
		slog.Int("removed", len(drift.Removed)),
		slog.Int("changed", len(drift.Changed)),
	)
	w.handler(WatchEvent{Repository: repo, Drift: drift})
}

// Stop releases the underlying watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
