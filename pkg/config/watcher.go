// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the re-read configuration, or the error that kept it
// from loading. The previous configuration stays in effect on error.
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads a config file when it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename are seen too. Only events naming the config file trigger
// a reload.
//
// # Thread Safety
//
// Run should be called once. Close may be called from any goroutine.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  ReloadFunc
}

// NewWatcher creates a Watcher for path. Nothing is watched until Run.
func NewWatcher(path string, onLoad ReloadFunc) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	return &Watcher{path: filepath.Clean(path), watcher: w, onLoad: onLoad}, nil
}

// Run delivers reloads until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, _, err := Load(w.path)
			w.onLoad(cfg, err)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onLoad(nil, fmt.Errorf("config watcher: %w", err))

		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
