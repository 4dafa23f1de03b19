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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var prefetch bool
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runSessions(ctx, a, prefetch)
			})
		},
	}
	cmd.Flags().BoolVar(&prefetch, "prefetch", false, "download every listed transcript into the local cache")
	return cmd
}

func runSessions(ctx context.Context, a *app, prefetch bool) error {
	sessions, err := a.client.ListSessions(ctx)
	if err != nil {
		return err
	}

	current := a.client.Sessions().SessionID()
	rows := make([]ux.SessionRow, 0, len(sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, ux.SessionRow{
			ID:           s.ID,
			Title:        s.Title,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: s.MessageCount,
			Current:      s.ID == current,
		})
		ids = append(ids, s.ID)
	}
	ux.RenderSessions(a.out, a.mode, rows, time.Now())

	if prefetch && len(ids) > 0 {
		if err := a.client.Prefetch(ctx, ids); err != nil {
			return err
		}
		if a.mode != ux.ModeMachine {
			a.printer.Success(fmt.Sprintf("Cached %d conversations", len(ids)))
		}
	}
	return nil
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return runHistory(ctx, a, args[0])
			})
		},
	}
}

// runHistory prints a session, falling back to the local cache when the
// backend cannot be reached.
func runHistory(ctx context.Context, a *app, sessionID string) error {
	if _, err := a.client.RefreshHistory(ctx, sessionID); err != nil {
		if !a.store.Has(sessionID) {
			return err
		}
		a.printer.Warning("Showing the cached copy; the server could not be reached.")
	}
	ux.RenderHistory(a.out, a.mode, a.store.Messages(sessionID))
	return nil
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !yes {
					ok, err := ux.Confirm(fmt.Sprintf("Delete conversation %s?", args[0]), "Delete")
					if err != nil {
						return err
					}
					if !ok {
						a.printer.Info("Kept.")
						return nil
					}
				}
				if err := a.client.DeleteSession(ctx, args[0]); err != nil {
					return err
				}
				a.printer.Success(fmt.Sprintf("Deleted %s", args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
