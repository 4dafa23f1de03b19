// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatclient"
	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
)

// turn submits text in the current session and prints the answer while it
// streams.
//
// The transcript subscribes before Submit so no update is missed; the
// subscription follows the session through its temporary to permanent
// migration.
func (a *app) turn(ctx context.Context, text string, documentIDs []string) (*chatclient.StreamOutcome, error) {
	sessionID := a.client.Sessions().EnsureSession()

	tr := ux.NewTranscript(a.out, a.mode, false)
	tr.Seed(a.store.Get(sessionID))
	unsubscribe := a.store.Subscribe(sessionID, tr.Listen)
	defer unsubscribe()

	spinner := ux.NewSpinner(a.out, a.mode, "Thinking...")
	tr.OnFirstOutput(spinner.Stop)
	spinner.Start()

	outcome, err := a.client.Submit(ctx, text, documentIDs)
	spinner.Stop()
	if werr := tr.Finish(); werr != nil {
		a.logger.Warn("transcript output failed", "error", werr)
	}

	if outcome != nil {
		a.logger.Debug("turn finished",
			"session_id", outcome.SessionID,
			"state", outcome.State.String(),
			"frames_applied", outcome.FramesApplied,
			"frames_skipped", outcome.FramesSkipped,
			"refinement_timed_out", outcome.RefinementTimedOut,
			"duration_ms", outcome.Duration.Milliseconds())
		if title, ok := a.takeTitle(outcome.SessionID); ok {
			a.printer.Info(fmt.Sprintf("Conversation titled %q", title))
		}
	}

	switch {
	case err == nil:
		if outcome.State == chatclient.StateCompleted && !outcome.Completed {
			a.printer.Warning("The answer ended without a completion marker and may be partial.")
		}
	case errors.Is(err, context.Canceled):
		a.printer.Warning("Stopped.")
		return outcome, nil
	case errors.Is(err, chatclient.ErrTransport):
		a.printer.Error(fmt.Sprintf("Could not reach the chat server: %v", err))
	}
	return outcome, err
}

// sessionLine describes where a turn landed, for follow-up commands.
func sessionLine(outcome *chatclient.StreamOutcome) string {
	if outcome == nil || outcome.SessionID == "" || chatcache.IsTemporaryID(outcome.SessionID) {
		return ""
	}
	return fmt.Sprintf("Session %s (continue with --session %s)", outcome.SessionID, outcome.SessionID)
}
