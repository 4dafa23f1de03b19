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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

func openTestSnapshots(t *testing.T) *Snapshots {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSnapshots(db, time.Hour, logging.Nop())
}

func sampleEntry() *chatcache.SessionEntry {
	tokens := 12
	return &chatcache.SessionEntry{
		Messages: []chatcache.Message{
			{ID: "u1", ServerID: "u-srv", Role: chatcache.RoleUser, Content: "q",
				CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), SessionID: "real-1"},
			{ID: "a-srv", ServerID: "a-srv", Role: chatcache.RoleAssistant, Content: "a",
				TokenCount: &tokens, SessionID: "real-1"},
		},
		RefinedQueriesFor: "u-srv",
		RefinedQueries:    []string{"r1"},
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = time.Hour
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestSnapshots_SaveLoadDelete(t *testing.T) {
	s := openTestSnapshots(t)

	require.NoError(t, s.Save("real-1", sampleEntry()))
	got, err := s.Load("real-1")
	require.NoError(t, err)
	assert.Equal(t, sampleEntry(), got)

	require.NoError(t, s.Delete("real-1"))
	_, err = s.Load("real-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete("real-1"))
}

func TestSnapshots_SkipsTemporarySessions(t *testing.T) {
	s := openTestSnapshots(t)

	require.NoError(t, s.Save(chatcache.NewTemporaryID(), sampleEntry()))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSnapshots_AttachMirrorsStore(t *testing.T) {
	s := openTestSnapshots(t)
	store := chatcache.NewStore()
	detach := s.Attach(store)
	defer detach()

	temp := chatcache.NewTemporaryID()
	store.Set(temp, &chatcache.SessionEntry{Messages: []chatcache.Message{{ID: "u1", Role: chatcache.RoleUser}}})
	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "temporary sessions are not persisted")

	sessions := chatcache.NewSessionController(logging.Nop())
	require.True(t, sessions.Migrate(temp, "real-1", store, "u-srv"))

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"real-1"}, ids)

	loaded, err := s.Load("real-1")
	require.NoError(t, err)
	assert.Equal(t, "u-srv", loaded.Messages[0].ServerID)

	store.Delete("real-1")
	_, err = s.Load("real-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshots_Hydrate(t *testing.T) {
	s := openTestSnapshots(t)
	require.NoError(t, s.Save("real-1", sampleEntry()))
	require.NoError(t, s.Save("real-2", &chatcache.SessionEntry{Messages: []chatcache.Message{{ID: "x"}}}))

	store := chatcache.NewStore()
	store.Set("real-2", &chatcache.SessionEntry{Messages: []chatcache.Message{{ID: "fresh"}}})

	n, err := s.Hydrate(store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, sampleEntry(), store.Get("real-1"))
	assert.Equal(t, "fresh", store.Messages("real-2")[0].ID, "live entries win over snapshots")
}
