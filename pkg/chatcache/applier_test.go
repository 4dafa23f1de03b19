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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Started
// =============================================================================

func TestApply_StartedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed("s1", Message{ID: "u1", Role: RoleUser, Content: "q"})

	ev := StartedEvent{RealID: "s1", UserMessageID: "u-srv-1"}
	assert.True(t, h.applier.Apply("s1", ev))
	once := h.store.Get("s1")

	assert.False(t, h.applier.Apply("s1", ev))
	assert.Equal(t, once, h.store.Get("s1"))
	assert.Equal(t, "u-srv-1", once.Messages[0].ServerID)
}

func TestApply_StartedWithTempIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	temp := NewTemporaryID()
	h.sessions.SetSession(temp)
	h.seed(temp, Message{ID: "u1", Role: RoleUser, SessionID: temp})

	ev := StartedEvent{TempID: temp, RealID: "real-1", UserMessageID: "u-srv-1"}
	assert.True(t, h.applier.Apply(temp, ev))
	once := h.store.Get("real-1")
	sessions := h.store.Sessions()

	assert.False(t, h.applier.Apply(temp, ev))
	assert.Equal(t, once, h.store.Get("real-1"))
	assert.Equal(t, sessions, h.store.Sessions())
}

func TestApply_StartedCollapsesFetchedUserCopy(t *testing.T) {
	h := newHarness(t)
	h.seed("s1",
		Message{ID: "u1", ServerID: "u-srv-1", Role: RoleUser, Content: "first"},
		Message{ID: "a1", ServerID: "a-srv-1", Role: RoleAssistant},
		Message{ID: "u-srv-2", ServerID: "u-srv-2", Role: RoleUser, Content: "second"},
		Message{ID: "optimistic-2", Role: RoleUser, Content: "second"},
	)

	assert.True(t, h.applier.Apply("s1", StartedEvent{RealID: "s1", UserMessageID: "u-srv-2"}))

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 3)
	assert.Equal(t, 1, countServerID(msgs, "u-srv-2"))
	assert.Equal(t, "second", msgs[2].Content)
}

func TestApply_StartedWithoutEntry(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.applier.Apply("s1", StartedEvent{RealID: "s1", UserMessageID: "u"}))
	assert.False(t, h.store.Has("s1"))
}

// =============================================================================
// Refinement
// =============================================================================

func TestApply_RefinementSetsQueries(t *testing.T) {
	h := newHarness(t)
	h.seed("s1", Message{ID: "u1", ServerID: "u-srv-1", Role: RoleUser})

	changed := h.applier.Apply("s1", RefinementEvent{
		UserMessageID: "u-srv-1",
		Refined:       []string{"what is X?", "how does X work?"},
		Status:        "completed",
	})
	require.True(t, changed)

	entry := h.store.Get("s1")
	assert.Equal(t, []string{"what is X?", "how does X work?"}, entry.RefinementFor(entry.Messages[0]))

	assert.False(t, h.applier.Apply("s1", RefinementEvent{
		UserMessageID: "u-srv-1",
		Refined:       []string{"what is X?", "how does X work?"},
	}), "same refinement must not notify")
}

func TestApply_EmptyRefinementIsNonDestructive(t *testing.T) {
	h := newHarness(t)
	h.seed("s1", Message{ID: "u1", ServerID: "u-srv-1", Role: RoleUser})
	h.applier.Apply("s1", RefinementEvent{UserMessageID: "u-srv-1", Refined: []string{"a"}})
	before := h.store.Get("s1")

	var notified bool
	h.store.Subscribe("s1", func(string, *SessionEntry) { notified = true })

	assert.False(t, h.applier.Apply("s1", RefinementEvent{UserMessageID: "u-srv-1", Refined: []string{}}))
	assert.False(t, h.applier.Apply("s1", RefinementEvent{UserMessageID: "u-srv-1"}))

	assert.Equal(t, before, h.store.Get("s1"))
	assert.False(t, notified)
	assert.Len(t, h.logs.Find("empty refinement ignored"), 2)
}

func TestApply_RefinementMatchesOptimisticID(t *testing.T) {
	h := newHarness(t)
	msg := h.applier.AppendUserMessage("s1", "q")
	h.applier.Apply("s1", RefinementEvent{UserMessageID: msg.ID, Refined: []string{"r"}})

	entry := h.store.Get("s1")
	assert.Equal(t, []string{"r"}, entry.RefinementFor(entry.Messages[0]))
}

// =============================================================================
// Chunk / Completion
// =============================================================================

func TestApply_StreamedAnswerAssembly(t *testing.T) {
	h := newHarness(t)

	h.applier.Apply("s1", ChunkEvent{AssistantServerID: "abc", Append: "Hello "})
	h.applier.Apply("s1", ChunkEvent{AssistantServerID: "abc", Append: "world"})
	assert.Equal(t, "Hello world", h.store.Messages("s1")[0].Content)

	h.applier.Apply("s1", CompletionEvent{
		AssistantServerID: "abc",
		Answer:            "Hello world!",
		Meta:              CompletionMeta{Sources: []Source{}},
	})

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello world!", msgs[0].Content)
	assert.NotNil(t, msgs[0].Sources)
	assert.Empty(t, msgs[0].Sources)
	assert.Equal(t, "abc", msgs[0].ID)
	assert.Equal(t, "abc", msgs[0].ServerID)
	assert.Equal(t, fixedNow, msgs[0].CreatedAt)
}

func TestApply_NoDuplicateServerID(t *testing.T) {
	sequences := map[string][]Event{
		"chunks then completion": {
			ChunkEvent{AssistantServerID: "abc", Append: "a"},
			ChunkEvent{AssistantServerID: "abc", Append: "b"},
			CompletionEvent{AssistantServerID: "abc", Answer: "ab"},
		},
		"completion only": {
			CompletionEvent{AssistantServerID: "abc", Answer: "ab"},
		},
		"completion then late chunk": {
			CompletionEvent{AssistantServerID: "abc", Answer: "ab"},
			ChunkEvent{AssistantServerID: "abc", Append: "c"},
		},
		"double completion": {
			ChunkEvent{AssistantServerID: "abc", Append: "a"},
			CompletionEvent{AssistantServerID: "abc", Answer: "ab"},
			CompletionEvent{AssistantServerID: "abc", Answer: "abc"},
		},
	}
	for name, events := range sequences {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.applier.AppendUserMessage("s1", "q")
			for _, ev := range events {
				h.applier.Apply("s1", ev)
			}
			assert.Equal(t, 1, countServerID(h.store.Messages("s1"), "abc"))
		})
	}
}

func TestApply_CompletionMergesMetaAndStampsUser(t *testing.T) {
	h := newHarness(t)
	h.applier.AppendUserMessage("s1", "what is RAG?")
	h.applier.Apply("s1", ChunkEvent{AssistantServerID: "a-srv", Append: "Ret"})

	h.applier.Apply("s1", CompletionEvent{
		UserMessageID:     "u-srv",
		AssistantServerID: "a-srv",
		Answer:            "Retrieval augmented generation.",
		Meta: CompletionMeta{
			Sources:         []Source{{DocumentID: "d1", Filename: "rag.pdf", Score: 0.9, PageNumber: intPtr(3)}},
			Classification:  &Classification{Type: "factual", Confidence: 0.8},
			AgentTraces:     []AgentTrace{{Agent: "router", Status: "completed"}},
			ExecutionTimeMs: int64Ptr(1200),
			ResponseType:    "answer",
			TokenCount:      intPtr(42),
			SequenceNumber:  intPtr(2),
			ParentMessageID: "u-srv",
		},
	})

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "u-srv", msgs[0].ServerID)

	a := msgs[1]
	assert.Equal(t, "Retrieval augmented generation.", a.Content)
	require.Len(t, a.Sources, 1)
	assert.Equal(t, 3, *a.Sources[0].PageNumber)
	assert.Equal(t, "factual", a.Classification.Type)
	assert.Equal(t, int64(1200), *a.ExecutionTimeMs)
	assert.Equal(t, ResponseType("answer"), a.ResponseType)
	assert.Equal(t, 42, *a.TokenCount)
	assert.Nil(t, a.ContextWindowUsed)
	assert.Equal(t, 2, *a.SequenceNumber)
	assert.Equal(t, "u-srv", a.ParentMessageID)
}

func TestApply_CompletionDedupesHistoryCopy(t *testing.T) {
	h := newHarness(t)
	h.seed("s1",
		Message{ID: "x", ServerID: "abc", Role: RoleAssistant, Content: "old"},
		Message{ID: "abc", Role: RoleAssistant, Content: "stale copy"},
	)
	h.applier.Apply("s1", CompletionEvent{AssistantServerID: "abc", Answer: "final"})

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].Content)
	assert.Equal(t, "abc", msgs[0].ServerID)
}

func TestApply_MissingMessageIDIgnored(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.applier.Apply("s1", ChunkEvent{Append: "x"}))
	assert.False(t, h.applier.Apply("s1", CompletionEvent{Answer: "x"}))
	assert.False(t, h.store.Has("s1"))
}

// =============================================================================
// Error / Title
// =============================================================================

func TestApply_ErrorFrameProducesVisibleMessage(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.applier.Apply("s1", ErrorEvent{Message: "rate limited"})
	})

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "rate limited", msgs[0].Content)
	assert.Equal(t, ResponseTypeError, msgs[0].ResponseType)
	assert.Contains(t, msgs[0].ID, ErrorMessagePrefix)
}

func TestApply_ErrorWithoutText(t *testing.T) {
	h := newHarness(t)
	h.applier.Apply("s1", ErrorEvent{})
	assert.Equal(t, defaultErrorText, h.store.Messages("s1")[0].Content)
}

func TestApply_TitleUpdateCallsHook(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.applier.Apply("s1", TitleUpdateEvent{Title: "RAG basics"}))
	assert.Equal(t, []string{"RAG basics"}, h.titles)
	assert.False(t, h.store.Has("s1"))
}

// =============================================================================
// History
// =============================================================================

func TestApplyHistory_KeepsInFlightMessages(t *testing.T) {
	h := newHarness(t)
	user := h.applier.AppendUserMessage("s1", "q")
	h.applier.Apply("s1", ChunkEvent{AssistantServerID: "a-srv", Append: "partial"})

	server := []Message{
		{ID: "u0", ServerID: "u0", Role: RoleUser, Content: "earlier"},
		{ID: "a0", ServerID: "a0", Role: RoleAssistant, Content: "earlier answer"},
	}
	assert.True(t, h.applier.ApplyHistory("s1", server))

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"u0", "a0", user.ID, "a-srv"},
		[]string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})

	assert.False(t, h.applier.ApplyHistory("s1", server), "re-merging the same history must not notify")
}

func TestApplyHistory_RefetchRacingStream(t *testing.T) {
	h := newHarness(t)
	h.seed("s1",
		Message{ID: "u0", ServerID: "u0", Role: RoleUser, Content: "first"},
		Message{ID: "a0", ServerID: "a0", Role: RoleAssistant, Content: "first answer"},
	)
	h.applier.AppendUserMessage("s1", "second")

	server := []Message{
		{ID: "u0", ServerID: "u0", Role: RoleUser, Content: "first"},
		{ID: "a0", ServerID: "a0", Role: RoleAssistant, Content: "first answer"},
		{ID: "u1", ServerID: "u1", Role: RoleUser, Content: "second"},
	}
	h.applier.ApplyHistory("s1", server)
	require.Equal(t, 2, countContent(h.store.Messages("s1"), "second"),
		"the fetch lands before the stream confirms the user message")

	h.applier.Apply("s1", StartedEvent{RealID: "s1", UserMessageID: "u1"})
	assert.Equal(t, 1, countContent(h.store.Messages("s1"), "second"))

	h.applier.Apply("s1", ChunkEvent{AssistantServerID: "a1", Append: "sec"})
	h.applier.Apply("s1", CompletionEvent{UserMessageID: "u1", AssistantServerID: "a1", Answer: "second answer"})

	server = append(server, Message{ID: "a1", ServerID: "a1", Role: RoleAssistant, Content: "second answer"})
	h.applier.ApplyHistory("s1", server)

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"u0", "a0", "u1", "a1"},
		[]string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
	assert.Equal(t, 1, countContent(msgs, "second"))
}

func TestApply_CompletionCollapsesFetchedUserCopy(t *testing.T) {
	h := newHarness(t)
	h.applier.AppendUserMessage("s1", "q")
	h.applier.ApplyHistory("s1", []Message{{ID: "u-srv", ServerID: "u-srv", Role: RoleUser, Content: "q"}})
	require.Len(t, h.store.Messages("s1"), 2)

	h.applier.Apply("s1", CompletionEvent{UserMessageID: "u-srv", AssistantServerID: "a-srv", Answer: "a"})

	msgs := h.store.Messages("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "u-srv", msgs[0].ServerID)
	assert.Equal(t, "a-srv", msgs[1].ServerID)
}
