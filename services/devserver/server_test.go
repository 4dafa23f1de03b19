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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatstream"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	backend *Backend
	server  *Server
	router  *gin.Engine
	metrics *observability.ServerMetrics
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T, answerer Answerer, cfg Config) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Metrics = observability.NewServerMetrics(reg)
	cfg.Logger = logging.Nop()
	backend := NewBackend()
	srv := NewServer(backend, answerer, cfg)
	return &testServer{
		backend: backend,
		server:  srv,
		router:  srv.Router(reg),
		metrics: cfg.Metrics,
		reg:     reg,
	}
}

func (ts *testServer) post(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// decodeStream returns the decoded events of a recorded stream plus the
// number of frames that failed to decode.
func decodeStream(t *testing.T, body string) ([]chatcache.Event, int) {
	t.Helper()
	dec := chatstream.NewDecoder()
	var events []chatcache.Event
	rejected := 0
	err := chatstream.NewReader().Read(context.Background(), strings.NewReader(body), func(f chatstream.Frame) error {
		ev, err := dec.DecodeFrame(f)
		if err != nil {
			rejected++
			return nil
		}
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events, rejected
}

func kinds(events []chatcache.Event) []chatcache.EventKind {
	out := make([]chatcache.EventKind, 0, len(events))
	for _, ev := range events {
		if len(out) > 0 && ev.Kind() == chatcache.EventChunk && out[len(out)-1] == chatcache.EventChunk {
			continue
		}
		out = append(out, ev.Kind())
	}
	return out
}

func TestHandleChatStream_NewSession(t *testing.T) {
	ts := newTestServer(t, nil, Config{})

	w := ts.post(t, ChatStreamRequest{Message: "What is the refund policy?", ClientSessionID: "temp-session-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), ": keep-alive\n\n"))

	events, rejected := decodeStream(t, w.Body.String())
	assert.Zero(t, rejected)
	assert.Equal(t, []chatcache.EventKind{
		chatcache.EventStarted,
		chatcache.EventChunk,
		chatcache.EventRefinement,
		chatcache.EventChunk,
		chatcache.EventCompletion,
		chatcache.EventTitleUpdate,
	}, kinds(events))

	started := events[0].(chatcache.StartedEvent)
	require.NotEmpty(t, started.RealID)
	require.NotEmpty(t, started.UserMessageID)

	var streamed strings.Builder
	var completion chatcache.CompletionEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case chatcache.ChunkEvent:
			streamed.WriteString(e.Append)
		case chatcache.CompletionEvent:
			completion = e
		case chatcache.RefinementEvent:
			assert.Equal(t, started.UserMessageID, e.UserMessageID)
			assert.Len(t, e.Refined, 2)
		case chatcache.TitleUpdateEvent:
			assert.Equal(t, "What is the refund policy", e.Title)
		}
	}
	assert.Equal(t, completion.Answer, streamed.String())
	assert.Equal(t, started.UserMessageID, completion.UserMessageID)
	require.Len(t, completion.Meta.Sources, 1)
	require.NotNil(t, completion.Meta.TokenCount)

	history, ok := ts.backend.History(started.RealID)
	require.True(t, ok)
	require.Len(t, history, 2)
	assert.Equal(t, started.UserMessageID, history[0].ID)
	assert.Equal(t, completion.AssistantServerID, history[1].ID)

	list := ts.backend.List()
	require.Len(t, list, 1)
	assert.Equal(t, "What is the refund policy", list[0].Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RequestsTotal.WithLabelValues(EndpointChatStream, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.FramesSentTotal.WithLabelValues(chatstream.TypeStarted)))
}

func TestHandleChatStream_ExistingSessionHasNoTitleUpdate(t *testing.T) {
	ts := newTestServer(t, nil, Config{})
	first, _ := decodeStream(t, ts.post(t, ChatStreamRequest{Message: "first question"}).Body.String())
	sessionID := first[0].(chatcache.StartedEvent).RealID

	events, _ := decodeStream(t, ts.post(t, ChatStreamRequest{Message: "second", SessionID: sessionID}).Body.String())
	assert.Equal(t, sessionID, events[0].(chatcache.StartedEvent).RealID)
	for _, ev := range events {
		assert.NotEqual(t, chatcache.EventTitleUpdate, ev.Kind())
	}

	history, ok := ts.backend.History(sessionID)
	require.True(t, ok)
	assert.Len(t, history, 4)
	assert.Contains(t, history[3].Content, "Answer 2")
}

func TestHandleChatStream_BadRequest(t *testing.T) {
	ts := newTestServer(t, nil, Config{})

	for _, body := range []any{map[string]string{}, ChatStreamRequest{Message: "   "}} {
		w := ts.post(t, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Empty(t, ts.backend.List())
	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.RequestsTotal.WithLabelValues(EndpointChatStream, "error")))
}

func TestHandleChatStream_AnswerFailure(t *testing.T) {
	failing := AnswerFunc(func(context.Context, string, []chatcache.Message) (Answer, error) {
		return Answer{}, errors.New("retrieval backend unavailable")
	})
	ts := newTestServer(t, failing, Config{})

	events, _ := decodeStream(t, ts.post(t, ChatStreamRequest{Message: "hello"}).Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, chatcache.EventStarted, events[0].Kind())
	assert.Equal(t, chatcache.ErrorEvent{Message: "retrieval backend unavailable"}, events[1])
}

func TestHandleChatStream_Options(t *testing.T) {
	ts := newTestServer(t, nil, Config{OmitRefinement: true, InjectMalformedFrame: true})

	events, rejected := decodeStream(t, ts.post(t, ChatStreamRequest{Message: "hello there"}).Body.String())
	assert.Equal(t, 1, rejected)
	for _, ev := range events {
		assert.NotEqual(t, chatcache.EventRefinement, ev.Kind())
	}
}

func TestHandleChatStream_ClientCancel(t *testing.T) {
	ts := newTestServer(t, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hi"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ClientDisconnectsTotal))
	assert.NotContains(t, w.Body.String(), "completion")
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, Config{})
	events, _ := decodeStream(t, ts.post(t, ChatStreamRequest{Message: "list me"}).Body.String())
	sessionID := events[0].(chatcache.StartedEvent).RealID

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sessionID, list.Sessions[0].ID)
	assert.Equal(t, 2, list.Sessions[0].MessageCount)

	w = get("/api/sessions/" + sessionID + "/messages")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Messages []chatcache.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, chatcache.RoleUser, history.Messages[0].Role)

	assert.Equal(t, http.StatusNotFound, get("/api/sessions/missing/messages").Code)

	del := func(id string) int {
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, del(sessionID))
	assert.Equal(t, http.StatusNotFound, del(sessionID))
	assert.Equal(t, http.StatusOK, get("/health").Code)

	w = get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ragchat_devserver_requests_total")
}
