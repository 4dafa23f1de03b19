// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devserver is an in-memory stand-in for the document chat backend.
//
// It speaks the same wire contract as the real service (SSE chat stream,
// session list, history and delete endpoints) with deterministic answers,
// so the client can be developed and tested without retrieval or model
// infrastructure.
package devserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
)

// =============================================================================
// Transcript Backend
// =============================================================================

type session struct {
	id        string
	title     string
	createdAt time.Time
	updatedAt time.Time
	messages  []chatcache.Message
}

// Backend holds conversations in memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// SessionInfo is the list view of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// BeginTurn records a user message.
//
// An empty sessionID starts a new session with a fresh id; an unknown one
// starts a new session under that id.
//
// # Outputs
//
//   - string: Session id the turn belongs to.
//   - chatcache.Message: The stored user message.
//   - bool: true if the session was created by this call.
func (b *Backend) BeginTurn(sessionID, text string) (string, chatcache.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s, ok := b.sessions[sessionID]
	created := false
	if !ok {
		id := sessionID
		if id == "" {
			id = uuid.NewString()
		}
		s = &session{id: id, createdAt: now}
		b.sessions[s.id] = s
		created = true
	}
	msg := chatcache.Message{
		ID:        uuid.NewString(),
		Role:      chatcache.RoleUser,
		Content:   text,
		CreatedAt: now,
		SessionID: s.id,
	}
	s.messages = append(s.messages, msg)
	s.updatedAt = now
	return s.id, msg, created
}

// CompleteTurn stores a finished assistant message.
func (b *Backend) CompleteTurn(sessionID string, msg chatcache.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	msg.SessionID = sessionID
	s.messages = append(s.messages, msg.Clone())
	s.updatedAt = b.now()
}

// SetTitle names a session. Returns false for unknown sessions.
func (b *Backend) SetTitle(sessionID, title string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if ok {
		s.title = title
	}
	return ok
}

// History returns a copy of the transcript, or false for unknown sessions.
func (b *Backend) History(sessionID string) ([]chatcache.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]chatcache.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out, true
}

// List returns all sessions, most recently updated first.
func (b *Backend) List() []SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, SessionInfo{
			ID:           s.id,
			Title:        s.title,
			CreatedAt:    s.createdAt,
			UpdatedAt:    s.updatedAt,
			MessageCount: len(s.messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes a session. Returns false if it did not exist.
func (b *Backend) Delete(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; !ok {
		return false
	}
	delete(b.sessions, sessionID)
	return true
}

// titleFor derives a session title from the first question.
func titleFor(question string) string {
	words := strings.Fields(question)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.TrimRight(strings.Join(words, " "), "?.!")
}
