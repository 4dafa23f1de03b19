// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatcache

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes that tag client-generated identifiers. Server ids never carry them.
const (
	TemporarySessionPrefix  = "temp-session-"
	OptimisticMessagePrefix = "optimistic-"
	ErrorMessagePrefix      = "error-"
)

// NewTemporaryID returns a fresh client-side session id.
func NewTemporaryID() string {
	return TemporarySessionPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was produced by NewTemporaryID.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporarySessionPrefix)
}

// NewOptimisticMessageID returns a fresh id for a message written before the
// backend has confirmed it.
func NewOptimisticMessageID() string {
	return OptimisticMessagePrefix + uuid.NewString()
}

// IsOptimisticMessageID reports whether id was produced by NewOptimisticMessageID.
func IsOptimisticMessageID(id string) bool {
	return strings.HasPrefix(id, OptimisticMessagePrefix)
}

func newErrorMessageID() string {
	return ErrorMessagePrefix + uuid.NewString()
}
