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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeHistory_KeepsInFlightOptimistic(t *testing.T) {
	local := []Message{{ID: "optimistic-1", Role: RoleUser}}

	got := MergeHistory(local, []Message{})

	assert.Equal(t, local, got)
	assert.Empty(t, got[0].ServerID)
}

func TestMergeHistory_DropsConfirmedOptimistic(t *testing.T) {
	local := []Message{{ID: "optimistic-1", ServerID: "srv-9", Role: RoleUser}}
	server := []Message{{ID: "srv-9", Role: RoleUser, Content: "hello"}}

	got := MergeHistory(local, server)

	assert.Equal(t, server, got)
}

func TestMergeHistory_DropsLocalKnownByServerID(t *testing.T) {
	local := []Message{{ID: "a-srv", ServerID: "a-srv", Role: RoleAssistant, Content: "partial"}}
	server := []Message{{ID: "row-7", ServerID: "a-srv", Role: RoleAssistant, Content: "full"}}

	got := MergeHistory(local, server)

	require.Len(t, got, 1)
	assert.Equal(t, "full", got[0].Content)
}

func TestMergeHistory_PreservesServerOrder(t *testing.T) {
	for n := 0; n < 8; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var server, local []Message
			for i := 0; i < n; i++ {
				server = append(server, Message{ID: fmt.Sprintf("srv-%d", (i*7)%11)})
				if i%2 == 0 {
					local = append(local, Message{ID: fmt.Sprintf("optimistic-%d", i)})
				}
				if i%3 == 0 {
					local = append(local, Message{ID: fmt.Sprintf("srv-%d", (i*7)%11)})
				}
			}

			got := MergeHistory(local, server)

			require.GreaterOrEqual(t, len(got), len(server))
			for i, m := range server {
				assert.Equal(t, m.ID, got[i].ID)
			}
		})
	}
}

func TestMergeHistory_Deterministic(t *testing.T) {
	local := []Message{{ID: "optimistic-1"}, {ID: "a", ServerID: "live"}}
	server := []Message{{ID: "s1"}, {ID: "s2"}}

	assert.Equal(t, MergeHistory(local, server), MergeHistory(local, server))
}

func TestMergeHistory_DoesNotMutateInputs(t *testing.T) {
	local := []Message{{ID: "optimistic-1", Sources: []Source{{DocumentID: "d"}}}}
	server := []Message{{ID: "s1"}}

	got := MergeHistory(local, server)
	got[1].Sources[0].DocumentID = "changed"

	assert.Equal(t, "d", local[0].Sources[0].DocumentID)
}

func TestDedupeMessages(t *testing.T) {
	in := []Message{
		{ID: "1", Content: "first"},
		{ID: "2"},
		{ID: "x", ServerID: "1", Content: "replacement"},
		{ID: "3"},
	}

	got := DedupeMessages(in)

	require.Len(t, got, 3)
	assert.Equal(t, "replacement", got[0].Content, "last value wins at first position")
	assert.Equal(t, "2", got[1].ID)
	assert.Equal(t, "3", got[2].ID)
	assert.Len(t, in, 4)

	assert.Nil(t, DedupeMessages(nil))
}
