// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatclient talks to the chat backend and keeps the chatcache in
// sync with it.
//
// # Description
//
// Client wires the cache pieces together: a Store, the SessionController,
// the Applier and a stream Consumer. Submit writes the optimistic user
// message and streams the answer; RefreshHistory merges the server
// transcript; the session operations list, select, delete and reset
// conversations.
//
// # Wire Contract
//
//	POST   {base}/api/chat/stream             SSE response stream
//	GET    {base}/api/sessions                session list
//	GET    {base}/api/sessions/{id}/messages  {"messages":[...]}
//	DELETE {base}/api/sessions/{id}
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/udit0x/agentic-rag-sub000/pkg/chatclient"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// HTTPClient is the subset of *http.Client the Client uses. Tests inject
// fakes through it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8080". Required.
	BaseURL string

	// HTTPClient defaults to a client without a global timeout; streams are
	// long-lived and bounded by RequestTimeout instead.
	HTTPClient HTTPClient

	// RequestTimeout bounds one Submit or history fetch. Zero means none.
	RequestTimeout time.Duration

	// RefinementTimeout defaults to DefaultRefinementTimeout.
	RefinementTimeout time.Duration

	// MaxLineBytes bounds a stream line.
	MaxLineBytes int

	// HistoryRate and HistoryBurst throttle history fetches. A zero rate
	// disables throttling.
	HistoryRate  rate.Limit
	HistoryBurst int

	// PrefetchConcurrency bounds parallel fetches in Prefetch. Default 4.
	PrefetchConcurrency int

	// Store is shared with other components when set; otherwise the Client
	// creates one reporting writes to Metrics.
	Store *chatcache.Store

	Logger         *logging.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider

	// OnStreamState is told about stream state transitions.
	OnStreamState StateObserver
}

// =============================================================================
// Client
// =============================================================================

// Client is the chat client.
//
// # Thread Safety
//
// Safe for concurrent use. Several streams may run at once, each writing
// under its own captured session id.
type Client struct {
	baseURL  *url.URL
	http     HTTPClient
	timeout  time.Duration
	store    *chatcache.Store
	sessions *chatcache.SessionController
	applier  *chatcache.Applier
	consumer *Consumer
	logger   *logging.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	limiter     *rate.Limiter
	history     singleflight.Group
	prefetchMax int

	hooksMu    sync.RWMutex
	titleHooks map[uint64]TitleHook
	nextHookID uint64
}

// TitleHook is called when the backend renames a session.
type TitleHook func(sessionID, title string)

// New creates a Client.
//
// # Inputs
//
//   - cfg: Client configuration. BaseURL must be an absolute http(s) URL.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if BaseURL is invalid.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Store == nil {
		var opts []chatcache.StoreOption
		if cfg.Metrics != nil {
			opts = append(opts, chatcache.WithWriteObserver(cfg.Metrics))
		}
		cfg.Store = chatcache.NewStore(opts...)
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = 4
	}

	tracer := defaultTracer()
	if cfg.TracerProvider != nil {
		tracer = cfg.TracerProvider.Tracer(tracerName)
	}

	limit, burst := rate.Inf, 1
	if cfg.HistoryRate > 0 {
		limit = cfg.HistoryRate
		burst = max(cfg.HistoryBurst, 1)
	}

	c := &Client{
		baseURL:     base,
		http:        cfg.HTTPClient,
		timeout:     cfg.RequestTimeout,
		store:       cfg.Store,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		limiter:     rate.NewLimiter(limit, burst),
		prefetchMax: cfg.PrefetchConcurrency,
		titleHooks:  make(map[uint64]TitleHook),
	}
	c.sessions = chatcache.NewSessionController(cfg.Logger)
	c.applier = chatcache.NewApplier(c.store, c.sessions, cfg.Logger,
		chatcache.WithTitleHook(c.dispatchTitle))
	c.consumer = NewConsumer(c.applier, ConsumerConfig{
		RefinementTimeout: cfg.RefinementTimeout,
		MaxLineBytes:      cfg.MaxLineBytes,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		Tracer:            tracer,
		OnState:           cfg.OnStreamState,
	})
	return c, nil
}

// Store returns the cache.
func (c *Client) Store() *chatcache.Store { return c.store }

// Sessions returns the session controller.
func (c *Client) Sessions() *chatcache.SessionController { return c.sessions }

// =============================================================================
// Submit
// =============================================================================

// chatRequest is the body of POST /api/chat/stream.
type chatRequest struct {
	Message         string   `json:"message"`
	SessionID       string   `json:"sessionId,omitempty"`
	ClientSessionID string   `json:"clientSessionId"`
	DocumentIDs     []string `json:"documentIds,omitempty"`
}

// Submit sends one user message and streams the answer into the cache.
//
// # Description
//
// Submit ensures a session (creating a temporary one for a new
// conversation), writes the optimistic user message, opens the stream and
// consumes it. The session id is captured here; the stream keeps writing
// under it (re-pointed only by its own started event) even if the user
// selects another conversation meanwhile.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the stream.
//   - text: Message text. Blank text is rejected.
//   - documentIDs: Optional documents to restrict retrieval to.
//
// # Outputs
//
//   - *StreamOutcome: Non-nil once the optimistic message was written.
//   - error: ErrEmptyMessage; an ErrTransport-wrapped error (the optimistic
//     message stays in the cache, no retry is attempted); or ctx.Err().
//
// # Examples
//
//	outcome, err := client.Submit(ctx, "What changed in Q3?", nil)
//	if err != nil {
//	    return err
//	}
//	msgs := client.Store().Messages(outcome.SessionID)
func (c *Client) Submit(ctx context.Context, text string, documentIDs []string) (*StreamOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	sessionID := c.sessions.EnsureSession()
	ctx, span := c.tracer.Start(ctx, "chatclient.Submit",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	userMsg := c.applier.AppendUserMessage(sessionID, text)

	req := chatRequest{
		Message:         text,
		ClientSessionID: sessionID,
		DocumentIDs:     documentIDs,
	}
	if !chatcache.IsTemporaryID(sessionID) {
		req.SessionID = sessionID
	}

	c.logger.Debug("submitting message",
		"session_id", sessionID, "message_id", userMsg.ID, "message_length", len(text))

	outcome, err := c.consumer.Run(ctx, sessionID, func(ctx context.Context) (io.ReadCloser, error) {
		return c.openStream(ctx, req)
	})
	outcome.UserMessage = userMsg
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

func (c *Client) openStream(ctx context.Context, body chatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "chat", "stream"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr("open stream", err)
	}
	if err := checkStatus("open stream", resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// =============================================================================
// Sessions
// =============================================================================

// SelectSession makes sessionID current and refreshes its history.
//
// In-flight streams keep writing to the ids they captured.
func (c *Client) SelectSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	c.sessions.SetSession(sessionID)
	if chatcache.IsTemporaryID(sessionID) {
		return nil
	}
	_, err := c.RefreshHistory(ctx, sessionID)
	return err
}

// NewChat drops temporary conversations and clears the current session.
// In-flight streams are not awaited.
func (c *Client) NewChat() []string {
	return c.sessions.NewChat(c.store)
}

// OnTitleUpdate registers hook for title_update events and returns a
// function that removes it.
func (c *Client) OnTitleUpdate(hook TitleHook) (remove func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.nextHookID++
	id := c.nextHookID
	c.titleHooks[id] = hook
	return func() {
		c.hooksMu.Lock()
		defer c.hooksMu.Unlock()
		delete(c.titleHooks, id)
	}
}

func (c *Client) dispatchTitle(sessionID, title string) {
	c.hooksMu.RLock()
	hooks := make([]TitleHook, 0, len(c.titleHooks))
	for _, h := range c.titleHooks {
		hooks = append(hooks, h)
	}
	c.hooksMu.RUnlock()

	c.logger.Debug("session title updated", "session_id", sessionID, "title", title)
	for _, h := range hooks {
		h(sessionID, title)
	}
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

// checkStatus returns an *HTTPStatusError for non-2xx responses and closes
// their body.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		body = nil
	}
	return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(op, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return transportErr(op, io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
