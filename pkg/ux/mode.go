// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package ux renders chat transcripts, session lists and progress for the
// ragchat terminal client.
package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode controls how much decoration output carries.
type Mode string

const (
	// ModeRich uses colors, boxes and tables.
	ModeRich Mode = "rich"

	// ModePlain writes undecorated text for pipes and dumb terminals.
	ModePlain Mode = "plain"

	// ModeMachine writes one "KEY: value" record per line for scripts.
	ModeMachine Mode = "machine"
)

// EnvOutputMode overrides mode detection.
const EnvOutputMode = "RAGCHAT_OUTPUT"

var (
	modeMu      sync.RWMutex
	currentMode = ModeRich
)

// CurrentMode returns the process-wide output mode.
func CurrentMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode sets the process-wide output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode maps a user string to a Mode. Unknown values yield ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "minimal", "text":
		return ModePlain
	case "machine", "script", "json":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for f.
//
// RAGCHAT_OUTPUT wins when set. Otherwise a terminal gets ModeRich and
// anything else (a pipe, a file) gets ModePlain. NO_COLOR downgrades rich
// output to plain.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(EnvOutputMode); v != "" {
		return ParseMode(v)
	}
	if !IsTerminal(f) {
		return ModePlain
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	return ModeRich
}

// InitMode detects the mode for stdout and installs it.
func InitMode() Mode {
	m := DetectMode(os.Stdout)
	SetMode(m)
	return m
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
