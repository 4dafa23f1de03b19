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
	"sync"

	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

// SessionController owns the "current conversation" id.
//
// # Description
//
// The current id is what a new submission is sent under. It is either empty,
// a temporary id created by EnsureSession, or a permanent server id. The
// controller also performs the one-shot temporary to permanent migration.
//
// Long-lived tasks (streams, history fetches) must capture SessionID() once
// when they start and keep writing under the captured id; the current id
// may change under them when the user switches conversations.
//
// # Thread Safety
//
// Safe for concurrent use.
type SessionController struct {
	mu      sync.RWMutex
	current string
	logger  *logging.Logger
}

// NewSessionController creates a controller with no current session.
func NewSessionController(logger *logging.Logger) *SessionController {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionController{logger: logger}
}

// SetSession replaces the current id. An empty id means "no conversation".
func (c *SessionController) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = id
}

// SessionID returns the id in effect at call time.
func (c *SessionController) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// IsTemporary reports whether the current id is a temporary one.
func (c *SessionController) IsTemporary() bool {
	return IsTemporaryID(c.SessionID())
}

// EnsureSession returns the current id, creating a temporary one first if
// there is none.
func (c *SessionController) EnsureSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		c.current = NewTemporaryID()
		c.logger.Debug("temporary session created", "session_id", c.current)
	}
	return c.current
}

// Migrate moves a temporary conversation onto its permanent id.
//
// # Description
//
// In one store transaction Migrate reads the entry under tempID, stamps
// userMessageID onto the first user message that has no ServerID yet,
// rewrites the messages' SessionID, writes the entry under realID (merged
// with anything a history fetch may already have put there), and removes
// tempID. The current id moves to realID only if it still points at tempID,
// so a user who navigated away is not pulled back.
//
// # Inputs
//
//   - tempID: Temporary id the conversation was created under.
//   - realID: Server-assigned id.
//   - store: Cache to re-key.
//   - userMessageID: Optional server id of the first user message.
//
// # Outputs
//
//   - bool: false when tempID has no entry, which makes a repeated call
//     (for example a duplicated started frame) a no-op.
func (c *SessionController) Migrate(tempID, realID string, store *Store, userMessageID string) bool {
	if tempID == "" || realID == "" || tempID == realID {
		return false
	}

	migrated := store.Rekey(tempID, realID, func(moved, existing *SessionEntry) *SessionEntry {
		for i := range moved.Messages {
			if moved.Messages[i].SessionID == tempID || moved.Messages[i].SessionID == "" {
				moved.Messages[i].SessionID = realID
			}
		}
		if stampFirstUnconfirmedUser(moved, userMessageID) {
			moved.Messages = DedupeMessages(moved.Messages)
		}
		if existing == nil {
			return moved
		}
		merged := &SessionEntry{
			Messages:          DedupeMessages(append(existing.Messages, moved.Messages...)),
			RefinedQueriesFor: existing.RefinedQueriesFor,
			RefinedQueries:    existing.RefinedQueries,
		}
		if len(moved.RefinedQueries) > 0 {
			merged.RefinedQueriesFor = moved.RefinedQueriesFor
			merged.RefinedQueries = moved.RefinedQueries
		}
		return merged
	})
	if !migrated {
		c.logger.Debug("migration skipped, no temporary entry", "temp_id", tempID, "real_id", realID)
		return false
	}

	c.mu.Lock()
	if c.current == tempID {
		c.current = realID
	}
	c.mu.Unlock()

	c.logger.Info("session migrated", "temp_id", tempID, "real_id", realID,
		"user_message_id", userMessageID)
	return true
}

// NewChat drops every temporary entry and clears the current id.
//
// In-flight streams are not cancelled; their later writes go to whatever
// id they captured.
func (c *SessionController) NewChat(store *Store) []string {
	removed := store.DeleteWhere(IsTemporaryID)
	c.SetSession("")
	if len(removed) > 0 {
		c.logger.Info("temporary sessions cleared", "count", len(removed))
	}
	return removed
}

// stampFirstUnconfirmedUser sets ServerID on the first user message that
// lacks one.
func stampFirstUnconfirmedUser(entry *SessionEntry, serverID string) bool {
	if serverID == "" {
		return false
	}
	for i := range entry.Messages {
		if entry.Messages[i].Role == RoleUser && entry.Messages[i].ServerID == "" {
			entry.Messages[i].ServerID = serverID
			return true
		}
	}
	return false
}
