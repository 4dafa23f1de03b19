// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist keeps opportunistic on-disk snapshots of the chat cache in
// BadgerDB so a restarted client can show recent conversations before the
// first history fetch returns.
//
// # Description
//
// Each permanent session is stored as one JSON value under "session/<id>"
// with a TTL; BadgerDB expires stale conversations on its own. Temporary
// sessions are never written. The in-memory Store stays the single source
// of truth; snapshots are written from a Store observer and read back once
// at startup by Hydrate.
package persist

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the snapshot database.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory runs BadgerDB without touching disk. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write. Snapshots are a cache, so this is off by
	// default.
	SyncWrites bool

	// TTL is how long a snapshot lives after its last write. Zero disables
	// expiry.
	TTL time.Duration

	// GCInterval is how often the value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *logging.Logger
}

// DefaultConfig returns a persistent configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		TTL:            7 * 24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		TTL:      time.Hour,
	}
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Database
// =============================================================================

// DB wraps a BadgerDB handle with its optional GC loop.
type DB struct {
	*badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the snapshot database.
//
// # Inputs
//
//   - cfg: Database configuration.
//
// # Outputs
//
//   - *DB: Open database. Close it when done.
//   - error: Non-nil if the directory cannot be created or BadgerDB fails
//     to open (for example, another process holds the lock).
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: bdb}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.DB.Close()
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *logging.Logger) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
