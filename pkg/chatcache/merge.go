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

// MergeHistory reconciles a freshly fetched server transcript with the
// locally cached one.
//
// # Description
//
// Server messages are authoritative and keep their order. A local message
// survives only when the server list does not know it under either of its
// identifiers: neither its ID nor its ServerID appears as an ID or ServerID
// of any server message. That keeps optimistic messages (no ServerID yet) and
// answers that are still streaming (ServerID not yet persisted), and drops
// local copies the server has confirmed. Survivors are appended after the
// server list in their local order, and the result is deduplicated with
// DedupeMessages.
//
// # Inputs
//
//   - local: Messages currently cached for the session.
//   - server: Messages returned by the history endpoint, in server order.
//
// # Outputs
//
//   - []Message: A new slice; the inputs are not modified. Equal inputs
//     always produce deep-equal outputs.
//
// # Examples
//
//	local := []Message{{ID: "optimistic-1", Role: RoleUser}}
//	MergeHistory(local, nil) // [{ID: "optimistic-1"}]
//
//	local = []Message{{ID: "optimistic-1", ServerID: "srv-9"}}
//	server := []Message{{ID: "srv-9"}}
//	MergeHistory(local, server) // [{ID: "srv-9"}]
func MergeHistory(local, server []Message) []Message {
	known := make(map[string]struct{}, len(server)*2)
	for _, m := range server {
		known[m.ID] = struct{}{}
		if m.ServerID != "" {
			known[m.ServerID] = struct{}{}
		}
	}

	combined := make([]Message, 0, len(server)+len(local))
	for _, m := range server {
		combined = append(combined, m.Clone())
	}
	for _, m := range local {
		if _, ok := known[m.ID]; ok {
			continue
		}
		if m.ServerID != "" {
			if _, ok := known[m.ServerID]; ok {
				continue
			}
		}
		combined = append(combined, m.Clone())
	}
	return DedupeMessages(combined)
}

// DedupeMessages collapses messages sharing a Key (ServerID, else ID).
//
// Each key keeps the position of its first occurrence and the value of its
// last one, so a later copy replaces an earlier one in place. The input
// slice is not modified.
func DedupeMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	index := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		key := m.Key()
		if i, ok := index[key]; ok {
			out[i] = m
			continue
		}
		index[key] = len(out)
		out = append(out, m)
	}
	return out
}
