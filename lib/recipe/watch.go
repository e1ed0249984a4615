// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the burst of fsnotify events a single `touch`
// or editor save produces into one reload call (grounded on
// theRebelliousNerd-codenerd's MangleWatcher, which debounces rapid
// saves the same way).
const reloadDebounce = 250 * time.Millisecond

// ReloadWatcher watches <plugin_dir>/thrall.reload for mtime changes
// and invokes a callback when it fires (§4.3 "reload... sentinel file
// thrall.reload modified").
type ReloadWatcher struct {
	watcher  *fsnotify.Watcher
	sentinel string
	onReload func()
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReloadWatcher watches pluginDir for changes to its thrall.reload
// sentinel file, calling onReload (debounced) each time it changes.
func NewReloadWatcher(pluginDir string, onReload func(), logger *slog.Logger) (*ReloadWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(pluginDir); err != nil {
		w.Close()
		return nil, err
	}
	return &ReloadWatcher{
		watcher:  w,
		sentinel: filepath.Join(pluginDir, "thrall.reload"),
		onReload: onReload,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the watch loop in a goroutine until ctx is cancelled or
// Stop is called.
func (w *ReloadWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the watch loop and releases the underlying fsnotify
// watcher.
func (w *ReloadWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *ReloadWatcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name == w.sentinel {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("reload watcher error", "error", err)
		}
	}
}

// scheduleReload (de)bounces: a burst of events within reloadDebounce
// of each other collapses into one onReload call.
func (w *ReloadWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.onReload)
}
