// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
)

// Wire frame types.
const (
	TypeStarted     = "started"
	TypeToken       = "token"
	TypeChunk       = "chunk"
	TypeContent     = "content"
	TypeRefinement  = "refinement"
	TypeCompletion  = "completion"
	TypeTitleUpdate = "title_update"
	TypeError       = "error"
)

var (
	// ErrUnknownType is returned for a frame whose type the client does not
	// handle. Such frames are skipped, not fatal.
	ErrUnknownType = errors.New("chatstream: unknown frame type")

	// ErrInvalidFrame is returned for a payload that is not JSON or misses a
	// required field.
	ErrInvalidFrame = errors.New("chatstream: invalid frame")
)

// =============================================================================
// Wire Payloads
// =============================================================================

// envelope reads only the discriminator.
type envelope struct {
	Type string `json:"type"`
}

// StartedPayload is the wire form of a started frame.
type StartedPayload struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId" validate:"required,notblank"`
	UserMessageID string `json:"userMessageId,omitempty"`
}

// ChunkPayload is the wire form of token, chunk and content frames. The text
// may arrive in any of the three fields.
type ChunkPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId" validate:"required,notblank"`
	Content   string `json:"content,omitempty"`
	Token     string `json:"token,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
}

// Text returns the first non-empty text field.
func (p ChunkPayload) Text() string {
	switch {
	case p.Content != "":
		return p.Content
	case p.Token != "":
		return p.Token
	default:
		return p.Chunk
	}
}

// RefinementPayload is the wire form of a refinement frame. The query list
// must be present; an empty list decodes and is rejected by the applier.
type RefinementPayload struct {
	Type           string   `json:"type"`
	UserMessageID  string   `json:"userMessageId" validate:"required,notblank"`
	RefinedQueries []string `json:"refined_queries" validate:"required"`
	Status         string   `json:"status,omitempty"`
}

// CompletionPayload is the wire form of a completion frame. Only the message
// id and the answer are required; missing metadata leaves the cached fields
// untouched.
type CompletionPayload struct {
	Type              string                    `json:"type"`
	MessageID         string                    `json:"messageId" validate:"required,notblank"`
	UserMessageID     string                    `json:"userMessageId,omitempty"`
	Answer            *string                   `json:"answer" validate:"required"`
	Sources           []chatcache.Source        `json:"sources"`
	Classification    *chatcache.Classification `json:"classification,omitempty"`
	AgentTraces       []chatcache.AgentTrace    `json:"agentTraces,omitempty"`
	ExecutionTimeMs   *int64                    `json:"executionTimeMs,omitempty" validate:"omitempty,gte=0"`
	ResponseType      string                    `json:"responseType,omitempty"`
	TokenCount        *int                      `json:"tokenCount,omitempty" validate:"omitempty,gte=0"`
	ContextWindowUsed *int                      `json:"contextWindowUsed,omitempty" validate:"omitempty,gte=0"`
	SequenceNumber    *int                      `json:"sequenceNumber,omitempty"`
	ParentMessageID   string                    `json:"parentMessageId,omitempty"`
}

// TitleUpdatePayload is the wire form of a title_update frame.
type TitleUpdatePayload struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// ErrorPayload is the wire form of an error frame.
type ErrorPayload struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder turns frame payloads into chatcache events.
//
// # Description
//
// Each payload is decoded once into the struct for its type and validated
// with go-playground/validator. A payload that fails either step is
// rejected as a whole; a partially decoded event never reaches the cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder creates a Decoder with the frame validation rules registered.
func NewDecoder() *Decoder {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validateNotBlank)
	return &Decoder{validate: v}
}

// validateNotBlank rejects strings made only of whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// DecodeFrame decodes f.Data, using f.Event as the type when the payload has
// no "type" field.
func (d *Decoder) DecodeFrame(f Frame) (chatcache.Event, error) {
	return d.decode([]byte(f.Data), f.Event)
}

// Decode decodes a single JSON payload.
//
// # Outputs
//
//   - chatcache.Event: One of the chatcache event variants. For a started
//     frame TempID is left empty; the consumer knows whether the stream was
//     opened under a temporary id.
//   - error: Wraps ErrUnknownType or ErrInvalidFrame.
func (d *Decoder) Decode(payload []byte) (chatcache.Event, error) {
	return d.decode(payload, "")
}

func (d *Decoder) decode(payload []byte, fallbackType string) (chatcache.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	frameType := env.Type
	if frameType == "" {
		frameType = fallbackType
	}

	switch frameType {
	case TypeStarted:
		var p StartedPayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return chatcache.StartedEvent{RealID: p.SessionID, UserMessageID: p.UserMessageID}, nil

	case TypeToken, TypeChunk, TypeContent:
		var p ChunkPayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return chatcache.ChunkEvent{AssistantServerID: p.MessageID, Append: p.Text()}, nil

	case TypeRefinement:
		var p RefinementPayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return chatcache.RefinementEvent{
			UserMessageID: p.UserMessageID,
			Refined:       p.RefinedQueries,
			Status:        p.Status,
		}, nil

	case TypeCompletion:
		var p CompletionPayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return chatcache.CompletionEvent{
			UserMessageID:     p.UserMessageID,
			AssistantServerID: p.MessageID,
			Answer:            *p.Answer,
			Meta: chatcache.CompletionMeta{
				Sources:           p.Sources,
				Classification:    p.Classification,
				AgentTraces:       p.AgentTraces,
				ExecutionTimeMs:   p.ExecutionTimeMs,
				ResponseType:      chatcache.ResponseType(p.ResponseType),
				TokenCount:        p.TokenCount,
				ContextWindowUsed: p.ContextWindowUsed,
				SequenceNumber:    p.SequenceNumber,
				ParentMessageID:   p.ParentMessageID,
			},
		}, nil

	case TypeTitleUpdate:
		var p TitleUpdatePayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return chatcache.TitleUpdateEvent{Title: p.Title}, nil

	case TypeError:
		var p ErrorPayload
		if err := d.unmarshal(payload, &p); err != nil {
			return nil, err
		}
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		return chatcache.ErrorEvent{Message: msg}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frameType)
	}
}

func (d *Decoder) unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := d.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
