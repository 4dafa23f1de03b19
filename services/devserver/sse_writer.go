// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatstream"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes chat stream frames to an HTTP response.
//
// # Description
//
// Each frame is written as "id: <uuid>\nevent: <type>\ndata: <json>\n\n" and
// flushed immediately. Payloads use the chatstream wire types, so the
// backend and the client decoder share one definition of the contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing.
type SSEWriter interface {
	WriteStarted(sessionID, userMessageID string) error
	WriteToken(messageID, text string) error
	WriteRefinement(userMessageID string, queries []string) error
	WriteCompletion(payload chatstream.CompletionPayload) error
	WriteTitleUpdate(title string) error
	WriteError(errMsg string) error
	WriteKeepAlive() error

	// WriteRaw writes data as a frame without validation. Used to exercise
	// client-side rejection of malformed frames.
	WriteRaw(frameType, data string) error
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	metrics *observability.ServerMetrics
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter.
//
// # Outputs
//
//   - SSEWriter: Ready to write.
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter, metrics *observability.ServerMetrics) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher, metrics: metrics}, nil
}

func (w *sseWriter) writeFrame(frameType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.WriteRaw(frameType, string(data))
}

func (w *sseWriter) WriteRaw(frameType, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), frameType, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	w.metrics.RecordFrameSent(frameType)
	return nil
}

func (w *sseWriter) WriteStarted(sessionID, userMessageID string) error {
	return w.writeFrame(chatstream.TypeStarted, chatstream.StartedPayload{
		Type:          chatstream.TypeStarted,
		SessionID:     sessionID,
		UserMessageID: userMessageID,
	})
}

func (w *sseWriter) WriteToken(messageID, text string) error {
	return w.writeFrame(chatstream.TypeToken, chatstream.ChunkPayload{
		Type:      chatstream.TypeToken,
		MessageID: messageID,
		Token:     text,
	})
}

func (w *sseWriter) WriteRefinement(userMessageID string, queries []string) error {
	if queries == nil {
		queries = []string{}
	}
	return w.writeFrame(chatstream.TypeRefinement, chatstream.RefinementPayload{
		Type:           chatstream.TypeRefinement,
		UserMessageID:  userMessageID,
		RefinedQueries: queries,
		Status:         "completed",
	})
}

func (w *sseWriter) WriteCompletion(payload chatstream.CompletionPayload) error {
	payload.Type = chatstream.TypeCompletion
	return w.writeFrame(chatstream.TypeCompletion, payload)
}

func (w *sseWriter) WriteTitleUpdate(title string) error {
	return w.writeFrame(chatstream.TypeTitleUpdate, chatstream.TitleUpdatePayload{
		Type:  chatstream.TypeTitleUpdate,
		Title: title,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeFrame(chatstream.TypeError, chatstream.ErrorPayload{
		Type:  chatstream.TypeError,
		Error: errMsg,
	})
}

// WriteKeepAlive writes an SSE comment.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := chatstream.WriteComment(w.writer, "keep-alive"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

var _ SSEWriter = (*sseWriter)(nil)
