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
	"io"
	"sync"
	"time"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatstream"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRefinementTimeout bounds the wait for a refinement frame.
const DefaultRefinementTimeout = 8 * time.Second

// =============================================================================
// Stream State
// =============================================================================

// StreamState is a stage of one response stream.
//
//	idle ─▶ connecting ─▶ streaming ─▶ completed
//	            │             ├──────▶ errored
//	            └─────────────┴──────▶ aborted
type StreamState int

const (
	StateIdle StreamState = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateErrored
	StateAborted
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s StreamState) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateAborted
}

// StreamOutcome summarizes a finished stream.
type StreamOutcome struct {
	// State is the final state.
	State StreamState

	// SessionID is the id the stream finished writing under. It differs from
	// the id the stream was opened under after a temporary to permanent
	// migration.
	SessionID string

	// UserMessage is the optimistic message written by Submit.
	UserMessage chatcache.Message

	// AssistantMessageID is the server id of the answer, if one arrived.
	AssistantMessageID string

	FramesApplied int
	FramesSkipped int

	// Completed is true if a completion frame arrived.
	Completed bool

	// RefinementReceived is true if a refinement frame arrived.
	RefinementReceived bool

	// RefinementTimedOut is true if no refinement arrived within the
	// refinement timeout while the stream was open. It is informational.
	RefinementTimedOut bool

	// ErrorMessage is the text of an error frame.
	ErrorMessage string

	Duration time.Duration
}

// OpenFunc opens the response stream. The Consumer closes the returned body.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// StateObserver is told about every state transition of a stream.
type StateObserver func(sessionID string, state StreamState)

// =============================================================================
// Consumer
// =============================================================================

// Consumer drives one response stream into the cache.
//
// # Description
//
// Consumer reads frames with a chatstream.Reader, decodes them with a
// chatstream.Decoder and routes each event through the Applier, strictly in
// arrival order. It writes under the session id captured when the stream
// started; only the stream's own started event re-points that id (to the
// permanent one), so a user switching conversations mid-stream never
// redirects its writes.
//
// Malformed or unknown frames are logged, counted and skipped. An error
// frame is applied and ends the stream. A refinement timeout is logged and
// reported in the outcome but never interrupts the stream.
//
// # Thread Safety
//
// A Consumer holds only configuration; Run may be called concurrently for
// independent streams.
type Consumer struct {
	applier           *chatcache.Applier
	reader            *chatstream.Reader
	decoder           *chatstream.Decoder
	logger            *logging.Logger
	metrics           *observability.Metrics
	tracer            trace.Tracer
	refinementTimeout time.Duration
	onState           StateObserver
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// RefinementTimeout defaults to DefaultRefinementTimeout.
	RefinementTimeout time.Duration

	// MaxLineBytes defaults to chatstream.DefaultMaxLineBytes.
	MaxLineBytes int

	Logger  *logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	// OnState is optional.
	OnState StateObserver
}

// NewConsumer creates a Consumer applying events through applier.
func NewConsumer(applier *chatcache.Applier, cfg ConsumerConfig) *Consumer {
	if cfg.RefinementTimeout <= 0 {
		cfg.RefinementTimeout = DefaultRefinementTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = defaultTracer()
	}
	return &Consumer{
		applier:           applier,
		reader:            chatstream.NewReader(chatstream.WithMaxLineBytes(cfg.MaxLineBytes)),
		decoder:           chatstream.NewDecoder(),
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		refinementTimeout: cfg.RefinementTimeout,
		onState:           cfg.OnState,
	}
}

// streamRun is the per-stream state of Run.
type streamRun struct {
	c         *Consumer
	sessionID string
	outcome   *StreamOutcome
	started   time.Time

	firstChunk bool

	mu         sync.Mutex
	refinement bool
	timedOut   bool
	timer      *time.Timer
}

// Run opens the stream and consumes it to the end.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the stream.
//   - sessionID: Id the stream's writes go to until its started event.
//   - open: Opens the response body.
//
// # Outputs
//
//   - *StreamOutcome: Always non-nil.
//   - error: Wraps ErrTransport when the stream could not be opened or
//     broke mid-way; ctx.Err() when aborted; nil otherwise, including when
//     the backend sent an error frame.
func (c *Consumer) Run(ctx context.Context, sessionID string, open OpenFunc) (*StreamOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "chatclient.Consumer.Run",
		trace.WithAttributes(attribute.String("session.initial_id", sessionID)))
	defer span.End()

	run := &streamRun{
		c:         c,
		sessionID: sessionID,
		outcome:   &StreamOutcome{State: StateIdle, SessionID: sessionID},
		started:   time.Now(),
	}

	outcome, err := run.execute(ctx, open)

	span.SetAttributes(
		attribute.String("session.final_id", outcome.SessionID),
		attribute.String("stream.state", outcome.State.String()),
		attribute.Int("stream.frames_applied", outcome.FramesApplied),
		attribute.Int("stream.frames_skipped", outcome.FramesSkipped),
		attribute.Bool("stream.refinement_timed_out", outcome.RefinementTimedOut),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (r *streamRun) execute(ctx context.Context, open OpenFunc) (*StreamOutcome, error) {
	c := r.c
	r.transition(StateConnecting)

	body, err := open(ctx)
	if err != nil {
		r.outcome.Duration = time.Since(r.started)
		if ctx.Err() != nil {
			r.transition(StateAborted)
			return r.outcome, ctx.Err()
		}
		r.transition(StateErrored)
		c.logger.Error("stream open failed", "session_id", r.sessionID, "error", err)
		c.metrics.StreamStarted()
		c.metrics.StreamEnded(observability.OutcomeTransport, r.outcome.Duration.Seconds())
		return r.outcome, err
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			c.logger.Debug("failed to close stream body", "error", cerr)
		}
	}()

	c.metrics.StreamStarted()
	r.transition(StateStreaming)
	r.armRefinementTimer()

	readErr := c.reader.Read(ctx, body, r.handleFrame)
	r.stopRefinementTimer()

	r.outcome.Duration = time.Since(r.started)

	var result error
	var metricOutcome observability.Outcome
	switch {
	case r.outcome.State == StateErrored:
		metricOutcome = observability.OutcomeErrored
	case ctx.Err() != nil:
		r.transition(StateAborted)
		metricOutcome = observability.OutcomeAborted
		result = ctx.Err()
	case readErr != nil:
		r.transition(StateErrored)
		metricOutcome = observability.OutcomeTransport
		result = transportErr("read stream", readErr)
		c.logger.Error("stream read failed", "session_id", r.sessionID, "error", readErr)
	default:
		r.transition(StateCompleted)
		metricOutcome = observability.OutcomeCompleted
		if !r.outcome.Completed {
			c.logger.Warn("stream ended without completion", "session_id", r.sessionID)
		}
	}
	c.metrics.StreamEnded(metricOutcome, r.outcome.Duration.Seconds())

	c.logger.Debug("stream finished",
		"session_id", r.sessionID,
		"state", r.outcome.State.String(),
		"frames_applied", r.outcome.FramesApplied,
		"frames_skipped", r.outcome.FramesSkipped,
		"duration_ms", r.outcome.Duration.Milliseconds(),
	)
	return r.outcome, result
}

// handleFrame decodes and applies one frame. Runs on the read goroutine.
func (r *streamRun) handleFrame(frame chatstream.Frame) error {
	c := r.c
	ev, err := c.decoder.DecodeFrame(frame)
	if err != nil {
		r.outcome.FramesSkipped++
		reason := observability.RejectInvalid
		if errors.Is(err, chatstream.ErrUnknownType) {
			reason = observability.RejectUnknown
		}
		c.metrics.RecordFrameRejected(reason)
		c.logger.Warn("stream frame skipped",
			"session_id", r.sessionID, "frame_index", frame.Index, "error", err)
		return nil
	}
	c.metrics.RecordFrame(string(ev.Kind()))

	switch e := ev.(type) {
	case chatcache.StartedEvent:
		if chatcache.IsTemporaryID(r.sessionID) {
			e.TempID = r.sessionID
		}
		c.applier.Apply(r.sessionID, e)
		if e.RealID != r.sessionID {
			c.logger.Debug("stream session re-pointed", "from", r.sessionID, "to", e.RealID)
			r.sessionID = e.RealID
			r.outcome.SessionID = e.RealID
		}
		r.outcome.FramesApplied++
		return nil

	case chatcache.RefinementEvent:
		r.mu.Lock()
		r.refinement = true
		r.mu.Unlock()
		r.stopRefinementTimer()
		r.outcome.RefinementReceived = true

	case chatcache.ChunkEvent:
		if !r.firstChunk {
			r.firstChunk = true
			c.metrics.RecordTimeToFirstChunk(time.Since(r.started).Seconds())
		}
		r.outcome.AssistantMessageID = e.AssistantServerID

	case chatcache.CompletionEvent:
		r.outcome.Completed = true
		r.outcome.AssistantMessageID = e.AssistantServerID

	case chatcache.ErrorEvent:
		c.applier.Apply(r.sessionID, e)
		r.outcome.FramesApplied++
		r.outcome.ErrorMessage = e.Message
		r.transition(StateErrored)
		return chatstream.ErrStop
	}

	c.applier.Apply(r.sessionID, ev)
	r.outcome.FramesApplied++
	return nil
}

func (r *streamRun) transition(s StreamState) {
	r.outcome.State = s
	if r.c.onState != nil {
		r.c.onState(r.sessionID, s)
	}
}

func (r *streamRun) armRefinementTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = time.AfterFunc(r.c.refinementTimeout, func() {
		r.mu.Lock()
		if r.refinement || r.timer == nil {
			r.mu.Unlock()
			return
		}
		r.timedOut = true
		r.mu.Unlock()

		r.c.metrics.RecordRefinementTimeout()
		r.c.logger.Warn("refinement not received in time",
			"timeout", r.c.refinementTimeout.String())
	})
}

func (r *streamRun) stopRefinementTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.outcome.RefinementTimedOut = r.timedOut
}

func (o *StreamOutcome) String() string {
	return fmt.Sprintf("state=%s session=%s applied=%d skipped=%d",
		o.State, o.SessionID, o.FramesApplied, o.FramesSkipped)
}
