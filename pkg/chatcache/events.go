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

// EventKind names an Event variant.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventRefinement  EventKind = "refinement"
	EventChunk       EventKind = "chunk"
	EventCompletion  EventKind = "completion"
	EventError       EventKind = "error"
	EventTitleUpdate EventKind = "title_update"
)

// Event is the closed set of changes the Applier understands. The sealed
// method keeps other packages from adding variants.
type Event interface {
	Kind() EventKind
	sealed()
}

// StartedEvent reports that the backend accepted a turn.
//
// TempID is the client session id the stream was opened under, when that id
// was temporary. RealID is the server session id. UserMessageID is the
// server id of the user message for this turn.
type StartedEvent struct {
	TempID        string
	RealID        string
	UserMessageID string
}

// RefinementEvent carries suggested follow-up queries for a user message.
type RefinementEvent struct {
	UserMessageID string
	Refined       []string
	Status        string
}

// ChunkEvent appends streamed answer text to an assistant message.
type ChunkEvent struct {
	AssistantServerID string
	Append            string
}

// CompletionMeta is the metadata attached to a finished answer.
type CompletionMeta struct {
	Sources           []Source
	Classification    *Classification
	AgentTraces       []AgentTrace
	ExecutionTimeMs   *int64
	ResponseType      ResponseType
	TokenCount        *int
	ContextWindowUsed *int
	SequenceNumber    *int
	ParentMessageID   string
}

// CompletionEvent finalizes an assistant message.
type CompletionEvent struct {
	UserMessageID     string
	AssistantServerID string
	Answer            string
	Meta              CompletionMeta
}

// ErrorEvent reports a backend failure for the current turn.
type ErrorEvent struct {
	Message string
}

// TitleUpdateEvent reports that the backend renamed the session.
type TitleUpdateEvent struct {
	Title string
}

func (StartedEvent) Kind() EventKind     { return EventStarted }
func (RefinementEvent) Kind() EventKind  { return EventRefinement }
func (ChunkEvent) Kind() EventKind       { return EventChunk }
func (CompletionEvent) Kind() EventKind  { return EventCompletion }
func (ErrorEvent) Kind() EventKind       { return EventError }
func (TitleUpdateEvent) Kind() EventKind { return EventTitleUpdate }

func (StartedEvent) sealed()     {}
func (RefinementEvent) sealed()  {}
func (ChunkEvent) sealed()       {}
func (CompletionEvent) sealed()  {}
func (ErrorEvent) sealed()       {}
func (TitleUpdateEvent) sealed() {}
