// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

const keyPrefix = "session/"

// ErrNotFound is returned by Load when no snapshot exists for a session.
var ErrNotFound = errors.New("persist: snapshot not found")

// Snapshots reads and writes session snapshots.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Snapshots struct {
	db     *DB
	ttl    time.Duration
	logger *logging.Logger
}

// NewSnapshots creates a snapshot store over db. A zero ttl keeps snapshots
// until deleted.
func NewSnapshots(db *DB, ttl time.Duration, logger *logging.Logger) *Snapshots {
	if logger == nil {
		logger = logging.Default()
	}
	return &Snapshots{db: db, ttl: ttl, logger: logger}
}

func sessionKey(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

// Save writes the snapshot for sessionID. Temporary sessions are skipped.
func (s *Snapshots) Save(sessionID string, entry *chatcache.SessionEntry) error {
	if chatcache.IsTemporaryID(sessionID) || entry == nil {
		return nil
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", sessionID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(sessionKey(sessionID), value)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Load returns the snapshot for sessionID, or ErrNotFound.
func (s *Snapshots) Load(sessionID string) (*chatcache.SessionEntry, error) {
	var entry chatcache.SessionEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	return &entry, nil
}

// Delete removes the snapshot for sessionID. Missing snapshots are not an
// error.
func (s *Snapshots) Delete(sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
}

// List returns the ids of all live snapshots in key order.
func (s *Snapshots) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return ids, err
}

// Attach mirrors every change of store into the snapshot database and
// returns a function that stops mirroring.
//
// Removed entries delete their snapshot; a rekey therefore drops nothing
// (the temporary id was never saved) and saves the permanent one. Write
// failures are logged; the in-memory cache is unaffected.
func (s *Snapshots) Attach(store *chatcache.Store) func() {
	return store.Observe(func(sessionID string, entry *chatcache.SessionEntry) {
		if chatcache.IsTemporaryID(sessionID) {
			return
		}
		var err error
		if entry == nil {
			err = s.Delete(sessionID)
		} else {
			err = s.Save(sessionID, entry)
		}
		if err != nil {
			s.logger.Warn("snapshot write failed", "session_id", sessionID, "error", err)
		}
	})
}

// Hydrate loads every snapshot into store, skipping sessions the store
// already holds. Returns the number of sessions loaded.
func (s *Snapshots) Hydrate(store *chatcache.Store) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	loaded := 0
	for _, id := range ids {
		if store.Has(id) {
			continue
		}
		entry, err := s.Load(id)
		if err != nil {
			s.logger.Warn("snapshot skipped", "session_id", id, "error", err)
			continue
		}
		if store.Set(id, entry) {
			loaded++
		}
	}
	if loaded > 0 {
		s.logger.Info("cache hydrated from snapshots", "sessions", loaded)
	}
	return loaded, nil
}
