// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatcache is the streaming chat cache: a per-session message store,
// the event applier that is its only mutation path, the history merger, and
// the session controller that re-keys a temporary conversation onto the
// server-assigned id.
//
// # Flow
//
//	submit ─▶ SessionController.EnsureSession ─▶ Store (optimistic user message)
//	                                                 ▲
//	stream frames ─▶ Event ─▶ Applier.Apply ─────────┘ ─▶ listeners
//	history fetch ─▶ Applier.ApplyHistory (MergeHistory)
//
// Every write is read-current / compute-next / write-if-different, so
// listeners are only notified on real changes.
package chatcache

import (
	"time"
)

// =============================================================================
// Message Types
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ResponseType classifies an assistant message for rendering.
type ResponseType string

const (
	// ResponseTypeError marks a message synthesized from an error frame.
	ResponseTypeError ResponseType = "error"
)

// Source is a retrieved document passage cited by an answer.
type Source struct {
	DocumentID string  `json:"documentId,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Content    string  `json:"content,omitempty"`
	Score      float64 `json:"score,omitempty"`
	PageNumber *int    `json:"pageNumber,omitempty"`
}

// Classification is the backend's routing decision for a query.
type Classification struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// AgentTrace records one step taken by one backend agent.
type AgentTrace struct {
	Agent      string `json:"agent"`
	Step       string `json:"step,omitempty"`
	Output     string `json:"output,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Message is one entry of a conversation transcript.
//
// ID is the immutable rendering key. ServerID is the backend correlation key
// and may arrive after the message was created; an empty ServerID means the
// backend has not confirmed the message yet.
type Message struct {
	ID                string          `json:"id"`
	ServerID          string          `json:"serverId,omitempty"`
	Role              Role            `json:"role"`
	Content           string          `json:"content"`
	CreatedAt         time.Time       `json:"createdAt"`
	SessionID         string          `json:"sessionId"`
	Sources           []Source        `json:"sources,omitempty"`
	Classification    *Classification `json:"classification,omitempty"`
	AgentTraces       []AgentTrace    `json:"agentTraces,omitempty"`
	ExecutionTimeMs   *int64          `json:"executionTimeMs,omitempty"`
	ResponseType      ResponseType    `json:"responseType,omitempty"`
	TokenCount        *int            `json:"tokenCount,omitempty"`
	ContextWindowUsed *int            `json:"contextWindowUsed,omitempty"`
	SequenceNumber    *int            `json:"sequenceNumber,omitempty"`
	ParentMessageID   string          `json:"parentMessageId,omitempty"`
}

// Key returns the deduplication key: ServerID when known, else ID.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ID
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = make([]Source, len(m.Sources))
		for i, s := range m.Sources {
			out.Sources[i] = s
			out.Sources[i].PageNumber = clonePtr(s.PageNumber)
		}
	}
	if m.Classification != nil {
		c := *m.Classification
		out.Classification = &c
	}
	if m.AgentTraces != nil {
		out.AgentTraces = append([]AgentTrace{}, m.AgentTraces...)
	}
	out.ExecutionTimeMs = clonePtr(m.ExecutionTimeMs)
	out.TokenCount = clonePtr(m.TokenCount)
	out.ContextWindowUsed = clonePtr(m.ContextWindowUsed)
	out.SequenceNumber = clonePtr(m.SequenceNumber)
	return out
}

// =============================================================================
// Session Entry
// =============================================================================

// SessionEntry is everything cached for one session id.
type SessionEntry struct {
	Messages []Message `json:"messages"`

	// RefinedQueriesFor is the ServerID (or, before confirmation, the ID) of
	// the user message the suggestions belong to.
	RefinedQueriesFor string   `json:"refinedQueriesFor,omitempty"`
	RefinedQueries    []string `json:"refinedQueries,omitempty"`
}

// Clone returns a deep copy of e. A nil receiver yields nil.
func (e *SessionEntry) Clone() *SessionEntry {
	if e == nil {
		return nil
	}
	out := &SessionEntry{RefinedQueriesFor: e.RefinedQueriesFor}
	if e.Messages != nil {
		out.Messages = cloneMessages(e.Messages)
	}
	if e.RefinedQueries != nil {
		out.RefinedQueries = append([]string{}, e.RefinedQueries...)
	}
	return out
}

// RefinementFor returns the refined queries held for msg, matching on its
// ServerID first and its ID second so suggestions survive the optimistic to
// confirmed transition.
func (e *SessionEntry) RefinementFor(msg Message) []string {
	if e == nil || e.RefinedQueriesFor == "" || len(e.RefinedQueries) == 0 {
		return nil
	}
	if msg.ServerID != "" && msg.ServerID == e.RefinedQueriesFor {
		return e.RefinedQueries
	}
	if msg.ID == e.RefinedQueriesFor {
		return e.RefinedQueries
	}
	return nil
}

// FindByServerID returns the index of the message carrying serverID, or -1.
func (e *SessionEntry) FindByServerID(serverID string) int {
	if e == nil || serverID == "" {
		return -1
	}
	for i := range e.Messages {
		if e.Messages[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

// LastUserMessage returns the index of the most recent user message, or -1.
func (e *SessionEntry) LastUserMessage() int {
	if e == nil {
		return -1
	}
	for i := len(e.Messages) - 1; i >= 0; i-- {
		if e.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
