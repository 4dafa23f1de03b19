// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatcache

import (
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Listener is notified after a session entry changed.
//
// entry is a private deep copy, or nil when the entry was removed.
type Listener func(sessionID string, entry *SessionEntry)

// WriteObserver is told about every attempted write, changed or suppressed.
// observability.Metrics implements it.
type WriteObserver interface {
	ObserveStoreWrite(changed bool)
}

// UpdateFunc computes the next entry from the current one.
//
// current is a deep copy (nil if the session has no entry) that the function
// may modify and return. Returning nil leaves the store untouched.
type UpdateFunc func(current *SessionEntry) *SessionEntry

// RekeyFunc computes the entry written under the destination key of a Rekey.
//
// moved is a copy of the source entry; existing is a copy of whatever was
// already stored under the destination (nil when empty).
type RekeyFunc func(moved, existing *SessionEntry) *SessionEntry

// =============================================================================
// STORE
// =============================================================================

// Store maps session ids to cached conversation state.
//
// # Description
//
// Store is an explicitly constructed replacement for a process-wide query
// cache. All mutation goes through Update, Rekey and the Delete helpers,
// each of which runs its read-modify-write under a single lock, so no reader
// ever sees a half-applied change. Writes whose result is structurally equal
// to the current entry are dropped and produce no notification.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners are invoked after the lock is released,
// in the order the writes were committed by the calling goroutine. A
// listener may read from or write to the store.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*SessionEntry
	listeners map[string]map[uint64]Listener
	observers map[uint64]Listener
	nextSubID uint64
	writes    WriteObserver
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithWriteObserver reports every write attempt to obs.
func WithWriteObserver(obs WriteObserver) StoreOption {
	return func(s *Store) {
		s.writes = obs
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:   make(map[string]*SessionEntry),
		listeners: make(map[string]map[uint64]Listener),
		observers: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// notification is a listener call collected under the lock and fired after.
type notification struct {
	listener  Listener
	sessionID string
	entry     *SessionEntry
}

func fire(pending []notification) {
	for _, n := range pending {
		n.listener(n.sessionID, n.entry)
	}
}

// =============================================================================
// READS
// =============================================================================

// Get returns a copy of the entry for sessionID, or nil.
func (s *Store) Get(sessionID string) *SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[sessionID].Clone()
}

// Messages returns a copy of the messages cached for sessionID.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil
	}
	return cloneMessages(entry.Messages)
}

// Has reports whether an entry exists for sessionID.
func (s *Store) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sessionID]
	return ok
}

// Sessions returns the cached session ids in sorted order.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// WRITES
// =============================================================================

// Set replaces the entry for sessionID. Returns true if the store changed.
func (s *Store) Set(sessionID string, entry *SessionEntry) bool {
	next := entry.Clone()
	return s.Update(sessionID, func(*SessionEntry) *SessionEntry { return next })
}

// Update applies fn to the entry for sessionID and writes the result if it
// differs from the current entry.
//
// # Inputs
//
//   - sessionID: Cache key.
//   - fn: Computes the next entry. See UpdateFunc.
//
// # Outputs
//
//   - bool: true if an entry was written and listeners were notified.
func (s *Store) Update(sessionID string, fn UpdateFunc) bool {
	s.mu.Lock()
	current := s.entries[sessionID]
	next := fn(current.Clone())
	if next == nil || (current != nil && cmp.Equal(current, next)) {
		s.mu.Unlock()
		s.observeWrite(false)
		return false
	}
	s.entries[sessionID] = next
	pending := s.collectLocked(sessionID, next)
	s.mu.Unlock()

	s.observeWrite(true)
	fire(pending)
	return true
}

// Rekey atomically moves the entry stored under from to to.
//
// # Description
//
// Rekey reads the source entry, lets fn combine it with anything already
// stored under the destination, writes the result under to, removes from,
// and moves per-session listeners of from onto to. It is the primitive
// behind temporary to permanent session migration.
//
// # Outputs
//
//   - bool: false if from had no entry or from == to; nothing happens then.
func (s *Store) Rekey(from, to string, fn RekeyFunc) bool {
	s.mu.Lock()
	moved, ok := s.entries[from]
	if !ok || from == to {
		s.mu.Unlock()
		return false
	}
	next := fn(moved.Clone(), s.entries[to].Clone())
	if next == nil {
		next = moved.Clone()
	}

	delete(s.entries, from)
	s.entries[to] = next

	if subs, ok := s.listeners[from]; ok {
		dst := s.listeners[to]
		if dst == nil {
			dst = make(map[uint64]Listener, len(subs))
			s.listeners[to] = dst
		}
		for id, l := range subs {
			dst[id] = l
		}
		delete(s.listeners, from)
	}

	var pending []notification
	for _, l := range s.observers {
		pending = append(pending, notification{listener: l, sessionID: from})
	}
	pending = append(pending, s.collectLocked(to, next)...)
	s.mu.Unlock()

	s.observeWrite(true)
	fire(pending)
	return true
}

// Delete removes the entry for sessionID. Returns true if one existed.
func (s *Store) Delete(sessionID string) bool {
	return len(s.DeleteWhere(func(id string) bool { return id == sessionID })) > 0
}

// DeleteWhere removes every entry whose id satisfies match and returns the
// removed ids in sorted order. Listeners receive a nil entry.
func (s *Store) DeleteWhere(match func(sessionID string) bool) []string {
	s.mu.Lock()
	var removed []string
	var pending []notification
	for id := range s.entries {
		if !match(id) {
			continue
		}
		delete(s.entries, id)
		removed = append(removed, id)
		pending = append(pending, s.collectLocked(id, nil)...)
	}
	s.mu.Unlock()

	sort.Strings(removed)
	fire(pending)
	return removed
}

func (s *Store) observeWrite(changed bool) {
	if s.writes != nil {
		s.writes.ObserveStoreWrite(changed)
	}
}

// collectLocked builds notifications for sessionID. Caller holds s.mu.
func (s *Store) collectLocked(sessionID string, entry *SessionEntry) []notification {
	var pending []notification
	for _, l := range s.listeners[sessionID] {
		pending = append(pending, notification{listener: l, sessionID: sessionID, entry: entry.Clone()})
	}
	for _, l := range s.observers {
		pending = append(pending, notification{listener: l, sessionID: sessionID, entry: entry.Clone()})
	}
	return pending
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers l for changes to sessionID and returns a function that
// removes it. A subscription follows its session through Rekey.
func (s *Store) Subscribe(sessionID string, l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.listeners[sessionID] == nil {
		s.listeners[sessionID] = make(map[uint64]Listener)
	}
	s.listeners[sessionID][id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for key, subs := range s.listeners {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.listeners, key)
				}
				return
			}
		}
	}
}

// Observe registers l for changes to every session.
func (s *Store) Observe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.observers[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}
