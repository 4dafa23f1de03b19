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
	"context"
	"fmt"
	"strings"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
)

// Answer is what the backend streams back for one question.
type Answer struct {
	Text           string
	Sources        []chatcache.Source
	Classification *chatcache.Classification
	AgentTraces    []chatcache.AgentTrace
	RefinedQueries []string
}

// Answerer produces answers. Returning an error makes the stream emit an
// error frame.
type Answerer interface {
	Answer(ctx context.Context, question string, history []chatcache.Message) (Answer, error)
}

// AnswerFunc adapts a function to Answerer.
type AnswerFunc func(ctx context.Context, question string, history []chatcache.Message) (Answer, error)

func (f AnswerFunc) Answer(ctx context.Context, question string, history []chatcache.Message) (Answer, error) {
	return f(ctx, question, history)
}

// EchoAnswerer answers deterministically from the question text.
type EchoAnswerer struct{}

func (EchoAnswerer) Answer(_ context.Context, question string, history []chatcache.Message) (Answer, error) {
	q := strings.TrimSpace(question)
	turn := 1
	for _, m := range history {
		if m.Role == chatcache.RoleAssistant {
			turn++
		}
	}
	page := 1
	return Answer{
		Text: fmt.Sprintf("Answer %d: the documents say %q is covered in section %d.", turn, q, turn),
		Sources: []chatcache.Source{{
			DocumentID: "doc-handbook",
			Filename:   "handbook.pdf",
			Content:    "Excerpt relevant to: " + q,
			Score:      0.87,
			PageNumber: &page,
		}},
		Classification: &chatcache.Classification{
			Type:       "factual",
			Confidence: 0.9,
			Reasoning:  "question asks for document content",
		},
		AgentTraces: []chatcache.AgentTrace{
			{Agent: "router", Step: "classify", Status: "completed", DurationMs: 3},
			{Agent: "retriever", Step: "search", Status: "completed", DurationMs: 21},
			{Agent: "writer", Step: "compose", Status: "completed", DurationMs: 40},
		},
		RefinedQueries: []string{
			"Summarize " + q,
			"Which documents mention " + q,
		},
	}, nil
}
