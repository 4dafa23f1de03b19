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
	"strings"

	"github.com/spf13/cobra"

	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID   string
		documentIDs []string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runAsk(ctx, a, sessionID, question, documentIDs)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing conversation")
	cmd.Flags().StringSliceVarP(&documentIDs, "doc", "d", nil, "restrict retrieval to these document ids")
	return cmd
}

func runAsk(ctx context.Context, a *app, sessionID, question string, documentIDs []string) error {
	if sessionID != "" {
		if err := a.client.SelectSession(ctx, sessionID); err != nil {
			a.logger.Warn("history refresh failed, continuing from cache", "session_id", sessionID, "error", err)
		}
	}

	ctx, stop := interruptible(ctx)
	defer stop()

	outcome, err := a.turn(ctx, question, documentIDs)
	if err != nil {
		return err
	}
	if line := sessionLine(outcome); line != "" && sessionID == "" && a.mode != ux.ModeMachine {
		a.printer.Info(line)
	}
	return nil
}
