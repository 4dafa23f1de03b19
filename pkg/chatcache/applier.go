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
	"time"

	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

// defaultErrorText is shown when an error frame carries no message.
const defaultErrorText = "The assistant could not complete this response."

// TitleHook is called for title_update events.
type TitleHook func(sessionID, title string)

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithTitleHook forwards title_update events to hook.
func WithTitleHook(hook TitleHook) ApplierOption {
	return func(a *Applier) {
		a.onTitle = hook
	}
}

// WithClock overrides the time source used for CreatedAt on new messages.
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) {
		a.now = now
	}
}

// Applier is the single mutation gateway of the cache.
//
// # Description
//
// Every change to a Store that originates from the user, the response stream
// or a history fetch is expressed as a call on the Applier. Each call runs as
// one Store.Update (or, for migration, one Store.Rekey), so it is computed
// from the current entry and written only if the result differs.
//
// # Thread Safety
//
// Safe for concurrent use. Ordering between events of one stream is the
// caller's responsibility; the Consumer applies them in arrival order.
type Applier struct {
	store    *Store
	sessions *SessionController
	logger   *logging.Logger
	onTitle  TitleHook
	now      func() time.Time
}

// NewApplier creates an Applier writing into store.
//
// # Inputs
//
//   - store: Target cache. Required.
//   - sessions: Controller used for temporary to permanent migration. Required.
//   - logger: nil means logging.Default().
//   - opts: Optional hook and clock.
func NewApplier(store *Store, sessions *SessionController, logger *logging.Logger, opts ...ApplierOption) *Applier {
	if logger == nil {
		logger = logging.Default()
	}
	a := &Applier{
		store:    store,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the cache the Applier writes into.
func (a *Applier) Store() *Store { return a.store }

// Sessions returns the session controller.
func (a *Applier) Sessions() *SessionController { return a.sessions }

// =============================================================================
// USER INPUT
// =============================================================================

// AppendUserMessage writes an optimistic user message and returns it.
//
// The message gets an optimistic- id and no ServerID; the started or
// completion event of its turn fills the ServerID in later.
func (a *Applier) AppendUserMessage(sessionID, content string) Message {
	msg := Message{
		ID:        NewOptimisticMessageID(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: a.now(),
		SessionID: sessionID,
	}
	a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		cur.Messages = append(cur.Messages, msg.Clone())
		return cur
	})
	return msg
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

// Apply routes ev into the entry for sessionID.
//
// # Description
//
// sessionID is the id captured by the caller, never the live current id.
// For a StartedEvent carrying a TempID, sessionID is ignored and the entry is
// migrated from TempID to RealID.
//
// # Outputs
//
//   - bool: true if the store changed.
func (a *Applier) Apply(sessionID string, ev Event) bool {
	switch e := ev.(type) {
	case StartedEvent:
		return a.applyStarted(sessionID, e)
	case RefinementEvent:
		return a.applyRefinement(sessionID, e)
	case ChunkEvent:
		return a.applyChunk(sessionID, e)
	case CompletionEvent:
		return a.applyCompletion(sessionID, e)
	case ErrorEvent:
		return a.applyError(sessionID, e)
	case TitleUpdateEvent:
		if a.onTitle != nil {
			a.onTitle(sessionID, e.Title)
		}
		return false
	default:
		a.logger.Warn("unknown event ignored", "session_id", sessionID)
		return false
	}
}

func (a *Applier) applyStarted(sessionID string, e StartedEvent) bool {
	if e.TempID != "" && e.TempID != e.RealID {
		return a.sessions.Migrate(e.TempID, e.RealID, a.store, e.UserMessageID)
	}
	if e.UserMessageID == "" {
		return false
	}
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if !stampLatestUser(cur, e.UserMessageID) {
			return nil
		}
		cur.Messages = DedupeMessages(cur.Messages)
		return cur
	})
}

func (a *Applier) applyRefinement(sessionID string, e RefinementEvent) bool {
	if len(e.Refined) == 0 {
		a.logger.Warn("empty refinement ignored",
			"session_id", sessionID, "user_message_id", e.UserMessageID, "status", e.Status)
		return false
	}
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		cur.RefinedQueriesFor = e.UserMessageID
		cur.RefinedQueries = append([]string{}, e.Refined...)
		return cur
	})
}

func (a *Applier) applyChunk(sessionID string, e ChunkEvent) bool {
	if e.AssistantServerID == "" {
		a.logger.Warn("chunk without message id ignored", "session_id", sessionID)
		return false
	}
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		if i := findAssistant(cur, e.AssistantServerID); i >= 0 {
			if e.Append == "" && cur.Messages[i].ServerID != "" {
				return nil
			}
			cur.Messages[i].ServerID = e.AssistantServerID
			cur.Messages[i].Content += e.Append
			return cur
		}
		cur.Messages = append(cur.Messages, a.newAssistant(sessionID, e.AssistantServerID, e.Append))
		return cur
	})
}

func (a *Applier) applyCompletion(sessionID string, e CompletionEvent) bool {
	if e.AssistantServerID == "" {
		a.logger.Warn("completion without message id ignored", "session_id", sessionID)
		return false
	}
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		cur.Messages = DedupeMessages(cur.Messages)
		i := findAssistant(cur, e.AssistantServerID)
		if i < 0 {
			cur.Messages = append(cur.Messages, a.newAssistant(sessionID, e.AssistantServerID, ""))
			i = len(cur.Messages) - 1
		}
		cur.Messages[i].ServerID = e.AssistantServerID
		cur.Messages[i].Content = e.Answer
		mergeMeta(&cur.Messages[i], e.Meta)

		stampLatestUser(cur, e.UserMessageID)
		cur.Messages = DedupeMessages(cur.Messages)
		return cur
	})
}

func (a *Applier) applyError(sessionID string, e ErrorEvent) bool {
	text := e.Message
	if text == "" {
		text = defaultErrorText
	}
	a.logger.Warn("stream reported error", "session_id", sessionID, "error", text)
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		cur.Messages = append(cur.Messages, Message{
			ID:           newErrorMessageID(),
			Role:         RoleAssistant,
			Content:      text,
			CreatedAt:    a.now(),
			SessionID:    sessionID,
			ResponseType: ResponseTypeError,
		})
		return cur
	})
}

// =============================================================================
// HISTORY
// =============================================================================

// ApplyHistory merges a fetched server transcript into the entry for
// sessionID. See MergeHistory for the rules.
func (a *Applier) ApplyHistory(sessionID string, server []Message) bool {
	return a.store.Update(sessionID, func(cur *SessionEntry) *SessionEntry {
		if cur == nil {
			cur = &SessionEntry{}
		}
		cur.Messages = MergeHistory(cur.Messages, server)
		return cur
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *Applier) newAssistant(sessionID, serverID, content string) Message {
	return Message{
		ID:        serverID,
		ServerID:  serverID,
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: a.now(),
		SessionID: sessionID,
	}
}

// findAssistant returns the index of the message keyed by serverID: the one
// carrying it as ServerID, else an unconfirmed one using it as ID.
func findAssistant(entry *SessionEntry, serverID string) int {
	if i := entry.FindByServerID(serverID); i >= 0 {
		return i
	}
	for i := range entry.Messages {
		if entry.Messages[i].ServerID == "" && entry.Messages[i].ID == serverID {
			return i
		}
	}
	return -1
}

// stampLatestUser sets ServerID on the most recent user message if it has
// none. A server copy fetched earlier now shares its key, so callers dedupe
// afterwards.
func stampLatestUser(entry *SessionEntry, serverID string) bool {
	if entry == nil || serverID == "" {
		return false
	}
	i := entry.LastUserMessage()
	if i < 0 || entry.Messages[i].ServerID != "" {
		return false
	}
	entry.Messages[i].ServerID = serverID
	return true
}

// mergeMeta copies the fields present in meta onto msg.
func mergeMeta(msg *Message, meta CompletionMeta) {
	if meta.Sources != nil {
		msg.Sources = Message{Sources: meta.Sources}.Clone().Sources
	}
	if meta.Classification != nil {
		c := *meta.Classification
		msg.Classification = &c
	}
	if meta.AgentTraces != nil {
		msg.AgentTraces = append([]AgentTrace{}, meta.AgentTraces...)
	}
	if meta.ExecutionTimeMs != nil {
		msg.ExecutionTimeMs = clonePtr(meta.ExecutionTimeMs)
	}
	if meta.ResponseType != "" {
		msg.ResponseType = meta.ResponseType
	}
	if meta.TokenCount != nil {
		msg.TokenCount = clonePtr(meta.TokenCount)
	}
	if meta.ContextWindowUsed != nil {
		msg.ContextWindowUsed = clonePtr(meta.ContextWindowUsed)
	}
	if meta.SequenceNumber != nil {
		msg.SequenceNumber = clonePtr(meta.SequenceNumber)
	}
	if meta.ParentMessageID != "" {
		msg.ParentMessageID = meta.ParentMessageID
	}
}
