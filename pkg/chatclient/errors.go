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
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps every failure to reach the backend or read its
	// response: connection errors, non-2xx statuses and broken streams.
	ErrTransport = errors.New("chatclient: transport failure")

	// ErrNoSession is returned when an operation needs a session id and none
	// was given.
	ErrNoSession = errors.New("chatclient: no session")

	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("chatclient: empty message")
)

// HTTPStatusError reports a non-success HTTP status from the backend.
//
// It unwraps to ErrTransport, so errors.Is(err, ErrTransport) holds.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server error (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server error (%d): %s", e.Op, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Unwrap() error {
	return ErrTransport
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
