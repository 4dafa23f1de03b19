// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatstream reads the chat response stream: it assembles
// Server-Sent Events frames from a byte stream and decodes their JSON
// payloads into chatcache events.
//
// Single Responsibility:
//
//	Reader only frames. Decoder only decodes and validates. Neither touches
//	the cache; the chatclient Consumer wires them to the Applier.
package chatstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxLineBytes bounds a single line of the stream. Completion frames
// carry sources and agent traces and can be large.
const DefaultMaxLineBytes = 4 << 20

// ErrFrameTooLarge is returned when a line exceeds the configured limit.
var ErrFrameTooLarge = errors.New("chatstream: frame line too large")

// =============================================================================
// Frame
// =============================================================================

// Frame is one dispatched SSE event.
type Frame struct {
	// Index is the zero-based position of the frame in its stream.
	Index int

	// Data is the concatenation of the frame's data lines joined with "\n".
	Data string

	// Event is the value of an "event:" line, if any.
	Event string

	// ID is the value of an "id:" line, if any.
	ID string
}

// FrameCallback receives frames in arrival order. Returning an error stops
// the read and the error is returned from Read. Returning ErrStop stops the
// read cleanly.
type FrameCallback func(Frame) error

// ErrStop can be returned by a FrameCallback to end reading without error.
var ErrStop = errors.New("chatstream: stop")

// =============================================================================
// Reader
// =============================================================================

// Reader assembles frames from an SSE byte stream.
//
// # Description
//
// Lines are read with bufio.Scanner. "data:" lines accumulate into the
// current frame (one optional space after the colon is dropped), a blank
// line dispatches it, lines starting with ":" are comments (keep-alives) and
// are ignored, and "event:"/"id:" lines set the frame's metadata. Other
// lines are ignored. A frame still pending at EOF is dispatched.
//
// # Thread Safety
//
// A Reader holds only configuration and may be shared. Each Read call
// consumes its own io.Reader.
type Reader struct {
	maxLineBytes int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxLineBytes = n
		}
	}
}

// NewReader creates a Reader.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{maxLineBytes: DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read consumes src until EOF, ctx cancellation, or a callback error.
//
// # Inputs
//
//   - ctx: Checked between lines. Cancelling the HTTP request that owns src
//     also unblocks a pending read.
//   - src: Stream body. The caller closes it.
//   - callback: Invoked once per dispatched frame.
//
// # Outputs
//
//   - error: nil at EOF or after ErrStop; ctx.Err() on cancellation;
//     ErrFrameTooLarge for an oversized line; otherwise the read or
//     callback error.
func (r *Reader) Read(ctx context.Context, src io.Reader, callback FrameCallback) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, min(64*1024, r.maxLineBytes)), r.maxLineBytes)

	var (
		data    []string
		pending Frame
		index   int
		hasData bool
	)

	dispatch := func() error {
		if !hasData {
			pending = Frame{}
			return nil
		}
		pending.Index = index
		pending.Data = strings.Join(data, "\n")
		index++
		frame := pending
		pending, data, hasData = Frame{}, data[:0], false
		return callback(frame)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopErr(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			pending.Event = value
		case "id":
			pending.ID = value
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, r.maxLineBytes)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	if err := dispatch(); err != nil {
		return stopErr(err)
	}
	return nil
}

func stopErr(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// splitField splits "name: value" per the SSE line grammar.
func splitField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}
