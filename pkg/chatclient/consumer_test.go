// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatstream"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
)

func newTestConsumer(t *testing.T, cfg ConsumerConfig) (*Consumer, *chatcache.Applier) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	store := chatcache.NewStore()
	applier := chatcache.NewApplier(store, chatcache.NewSessionController(cfg.Logger), cfg.Logger)
	return NewConsumer(applier, cfg), applier
}

func openString(body string) OpenFunc {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func TestConsumer_SkipsUnknownAndInvalidFrames(t *testing.T) {
	consumer, applier := newTestConsumer(t, ConsumerConfig{})
	body := strings.Join([]string{
		`data: {"type":"token","messageId":"a1","token":"Hel"}`,
		``,
		`data: {"type":"mystery","value":1}`,
		``,
		`data: {"type":"token","token":"no id"}`,
		``,
		`: keep-alive`,
		``,
		`data: {"type":"token","messageId":"a1","token":"lo"}`,
		``,
		`data: {"type":"completion","messageId":"a1","answer":"Hello"}`,
		``,
	}, "\n")

	outcome, err := consumer.Run(context.Background(), "s1", openString(body))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 3, outcome.FramesApplied)
	assert.Equal(t, 2, outcome.FramesSkipped)
	assert.Equal(t, "a1", outcome.AssistantMessageID)

	msgs := applier.Store().Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestConsumer_StreamEndingWithoutCompletion(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	consumer, applier := newTestConsumer(t, ConsumerConfig{
		Logger: logging.New(logging.Config{Quiet: true, Exporter: exporter}),
	})

	outcome, err := consumer.Run(context.Background(), "s1",
		openString("data: {\"type\":\"chunk\",\"messageId\":\"a1\",\"chunk\":\"partial\"}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.False(t, outcome.Completed)
	assert.Len(t, exporter.Find("stream ended without completion"), 1)
	assert.Equal(t, "partial", applier.Store().Messages("s1")[0].Content)
}

func TestConsumer_ErrorFrameStopsStream(t *testing.T) {
	consumer, applier := newTestConsumer(t, ConsumerConfig{})
	body := "data: {\"type\":\"error\",\"message\":\"boom\"}\n\n" +
		"data: {\"type\":\"token\",\"messageId\":\"a1\",\"token\":\"ignored\"}\n\n"

	outcome, err := consumer.Run(context.Background(), "s1", openString(body))
	require.NoError(t, err)
	assert.Equal(t, StateErrored, outcome.State)
	assert.Equal(t, "boom", outcome.ErrorMessage)

	msgs := applier.Store().Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, chatcache.ResponseTypeError, msgs[0].ResponseType)
}

func TestConsumer_OversizedLineIsTransportError(t *testing.T) {
	consumer, _ := newTestConsumer(t, ConsumerConfig{MaxLineBytes: 64})
	body := "data: {\"type\":\"token\",\"messageId\":\"a1\",\"token\":\"" + strings.Repeat("x", 200) + "\"}\n\n"

	outcome, err := consumer.Run(context.Background(), "s1", openString(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, chatstream.ErrFrameTooLarge)
	assert.Equal(t, StateErrored, outcome.State)
}

func TestConsumer_OpenFailure(t *testing.T) {
	consumer, _ := newTestConsumer(t, ConsumerConfig{})
	boom := transportErr("open stream", errors.New("dial tcp: refused"))

	outcome, err := consumer.Run(context.Background(), "s1", func(context.Context) (io.ReadCloser, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateErrored, outcome.State)
	assert.Equal(t, "s1", outcome.SessionID)
}

func TestConsumer_StartedOnPermanentSessionStampsUser(t *testing.T) {
	consumer, applier := newTestConsumer(t, ConsumerConfig{})
	user := applier.AppendUserMessage("s1", "question")

	outcome, err := consumer.Run(context.Background(), "s1",
		openString("data: {\"type\":\"started\",\"sessionId\":\"s1\",\"userMessageId\":\"u-srv\"}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "s1", outcome.SessionID)

	msgs := applier.Store().Messages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, user.ID, msgs[0].ID)
	assert.Equal(t, "u-srv", msgs[0].ServerID)
}

func TestStreamState(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "unknown", StreamState(42).String())
	assert.False(t, StateConnecting.Terminal())
	for _, s := range []StreamState{StateCompleted, StateErrored, StateAborted} {
		assert.True(t, s.Terminal(), s.String())
	}
}
