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
	"fmt"
	"net/http"
	"time"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// historyResponse is the body of GET /api/sessions/{id}/messages.
type historyResponse struct {
	Messages []chatcache.Message `json:"messages"`
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

type sessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// =============================================================================
// History
// =============================================================================

// RefreshHistory fetches the server transcript of sessionID and merges it
// into the cache.
//
// # Description
//
// Concurrent refreshes of the same session share one request
// (singleflight), and all fetches pass through a rate limiter. The merge
// keeps optimistic and in-flight messages the server does not know yet.
// Temporary sessions exist only locally and are not fetched.
//
// # Outputs
//
//   - int: Number of messages cached for the session after the merge.
//   - error: ErrNoSession for an empty id, an ErrTransport-wrapped error,
//     or ctx.Err() while waiting on the limiter.
func (c *Client) RefreshHistory(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, ErrNoSession
	}
	if chatcache.IsTemporaryID(sessionID) {
		return len(c.store.Messages(sessionID)), nil
	}

	_, err, shared := c.history.Do(sessionID, func() (any, error) {
		return nil, c.fetchHistory(ctx, sessionID)
	})
	if shared {
		c.logger.Debug("history fetch shared", "session_id", sessionID)
	}
	if err != nil {
		return 0, err
	}
	return len(c.store.Messages(sessionID)), nil
}

func (c *Client) fetchHistory(ctx context.Context, sessionID string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "chatclient.RefreshHistory",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	var body historyResponse
	err := c.getJSON(ctx, "fetch history", c.endpoint("api", "sessions", sessionID, "messages"), &body)
	c.metrics.RecordHistoryFetch(time.Since(start).Seconds(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("history fetch failed", "session_id", sessionID, "error", err)
		return err
	}

	server := make([]chatcache.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		if m.ID == "" {
			c.logger.Warn("history message without id skipped", "session_id", sessionID)
			continue
		}
		if m.ServerID == "" {
			m.ServerID = m.ID
		}
		if m.SessionID == "" {
			m.SessionID = sessionID
		}
		server = append(server, m)
	}

	changed := c.applier.ApplyHistory(sessionID, server)
	span.SetAttributes(
		attribute.Int("history.messages", len(server)),
		attribute.Bool("history.changed", changed),
	)
	c.logger.Debug("history merged", "session_id", sessionID, "server_messages", len(server), "changed", changed)
	return nil
}

// Prefetch refreshes several sessions in parallel, bounded by the
// configured prefetch concurrency. It returns the first error; the other
// fetches are cancelled.
func (c *Client) Prefetch(ctx context.Context, sessionIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.prefetchMax)
	for _, id := range sessionIDs {
		g.Go(func() error {
			if _, err := c.RefreshHistory(ctx, id); err != nil {
				return fmt.Errorf("prefetch %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// Session List / Delete
// =============================================================================

// ListSessions returns the backend's session list.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	ctx, span := c.tracer.Start(ctx, "chatclient.ListSessions")
	defer span.End()

	var body sessionsResponse
	if err := c.getJSON(ctx, "list sessions", c.endpoint("api", "sessions"), &body); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return body.Sessions, nil
}

// DeleteSession deletes sessionID on the backend and drops it from the
// cache. A session the backend no longer knows is still dropped locally.
// If it was the current session, the current id is cleared.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	ctx, span := c.tracer.Start(ctx, "chatclient.DeleteSession",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if !chatcache.IsTemporaryID(sessionID) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("api", "sessions", sessionID), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return transportErr("delete session", err)
		}
		if err := checkStatus("delete session", resp); err != nil {
			var statusErr *HTTPStatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
				span.RecordError(err)
				return err
			}
		} else {
			resp.Body.Close()
		}
	}

	c.store.Delete(sessionID)
	if c.sessions.SessionID() == sessionID {
		c.sessions.SetSession("")
	}
	c.logger.Info("session deleted", "session_id", sessionID)
	return nil
}
