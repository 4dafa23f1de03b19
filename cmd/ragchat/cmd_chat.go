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
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatclient"
	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
)

const chatHelp = `Commands:
  /new             start a new conversation
  /sessions        list conversations
  /switch <id>     continue another conversation
  /history         reprint this conversation
  /delete [id]     delete a conversation (default: this one)
  /quit            leave`

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID   string
		documentIDs []string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				a.watchConfig(ctx)
				s := &chatSession{app: a, in: ux.NewInputReader(50), documentIDs: documentIDs}
				return s.run(ctx, sessionID)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing conversation")
	cmd.Flags().StringSliceVarP(&documentIDs, "doc", "d", nil, "restrict retrieval to these document ids")
	return cmd
}

// chatSession is the interactive loop.
type chatSession struct {
	app         *app
	in          ux.InputReader
	documentIDs []string
}

func (s *chatSession) run(ctx context.Context, sessionID string) error {
	a := s.app
	a.printer.Title("ragchat")
	if a.mode != ux.ModeMachine {
		fmt.Fprintln(a.out, "Type a question, or /help for commands.")
	}
	if sessionID != "" {
		if err := s.switchTo(ctx, sessionID); err != nil {
			a.printer.Error(err.Error())
		}
	}

	prompt := "> "
	if a.mode == ux.ModeMachine {
		prompt = ""
	}
	for {
		line, err := s.in.ReadLine(prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				a.printer.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		turnCtx, stop := interruptible(ctx)
		_, err = a.turn(turnCtx, line, s.documentIDs)
		stop()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, chatclient.ErrTransport) {
			a.printer.Error(err.Error())
		}
	}
}

// command runs a slash command. It reports whether the loop should end.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	a := s.app
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(a.out, chatHelp)
	case "/new":
		a.client.NewChat()
		a.printer.Success("New conversation")
	case "/sessions":
		return false, runSessions(ctx, a, false)
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <session-id>")
		}
		return false, s.switchTo(ctx, arg)
	case "/history":
		current := a.client.Sessions().SessionID()
		if current == "" {
			return false, chatclient.ErrNoSession
		}
		ux.RenderHistory(a.out, a.mode, a.store.Messages(current))
	case "/delete":
		if arg == "" {
			arg = a.client.Sessions().SessionID()
		}
		if err := a.client.DeleteSession(ctx, arg); err != nil {
			return false, err
		}
		a.printer.Success(fmt.Sprintf("Deleted %s", arg))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

func (s *chatSession) switchTo(ctx context.Context, sessionID string) error {
	a := s.app
	if err := a.client.SelectSession(ctx, sessionID); err != nil {
		if !a.store.Has(sessionID) {
			return err
		}
		a.printer.Warning("Showing the cached copy; the server could not be reached.")
	}
	ux.RenderHistory(a.out, a.mode, a.store.Messages(sessionID))
	return nil
}
