// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Command ragchat is the terminal client for the retrieval chat backend.
//
// # Usage
//
//	ragchat ask "What does the onboarding guide say about VPN access?"
//	ragchat ask --session <id> "And for contractors?"
//	ragchat chat
//	ragchat sessions
//	ragchat history <id>
//	ragchat delete <id>
//
// # Environment Variables
//
//   - RAGCHAT_SERVER: Backend URL (overrides the config file)
//   - RAGCHAT_LOG_LEVEL: Log level (overrides the config file)
//   - RAGCHAT_OUTPUT: rich, plain or machine
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Enables OTLP span export
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ragchat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	root := &cobra.Command{
		Use:           "ragchat",
		Short:         "Chat with your documents from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.ragchat/config.yaml)")
	flags.StringVar(&opts.server, "server", "", "chat backend URL")
	flags.StringVarP(&opts.output, "output", "o", "", "output mode: rich, plain or machine")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	flags.BoolVar(&opts.noCache, "no-cache", false, "do not read or write the local conversation cache")

	root.AddCommand(
		newAskCmd(&opts),
		newChatCmd(&opts),
		newSessionsCmd(&opts),
		newHistoryCmd(&opts),
		newDeleteCmd(&opts),
	)
	return root
}

// withApp builds the app for cmd, runs fn and releases the app.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, *opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// interruptible returns a context that ends on Ctrl+C. Stopping it restores
// the default handler.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}
