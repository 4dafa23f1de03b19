// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command devserver runs the in-memory chat backend used for client
// development and demos.
//
// # Environment Variables
//
//   - DEVSERVER_ADDR: Listen address (default: 127.0.0.1:8080)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Enables OTLP span export when set
//
// # Usage
//
//	go build -o devserver ./cmd/devserver
//	./devserver --chunk-delay 40ms
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/observability"
	"github.com/udit0x/agentic-rag-sub000/services/devserver"
)

type options struct {
	addr           string
	chunkDelay     time.Duration
	omitRefinement bool
	malformed      bool
	logLevel       string
	logJSON        bool
	otlpEndpoint   string
}

func main() {
	opts := options{
		addr:         getEnvString("DEVSERVER_ADDR", "127.0.0.1:8080"),
		otlpEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cmd := &cobra.Command{
		Use:           "devserver",
		Short:         "Run the in-memory chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", opts.addr, "listen address")
	flags.DurationVar(&opts.chunkDelay, "chunk-delay", 30*time.Millisecond, "pause before each answer chunk")
	flags.BoolVar(&opts.omitRefinement, "omit-refinement", false, "never send refinement frames")
	flags.BoolVar(&opts.malformed, "malformed", false, "send one undecodable frame per answer")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", opts.otlpEndpoint, "OTLP gRPC collector for spans")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devserver:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(opts.logLevel),
		Service: "ragchat-devserver",
		JSON:    opts.logJSON,
	})
	defer logger.Close()

	exporter := observability.ExporterNone
	if opts.otlpEndpoint != "" {
		exporter = observability.ExporterOTLP
	}
	tp, shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  "ragchat-devserver",
		Exporter:     exporter,
		OTLPEndpoint: opts.otlpEndpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to shut down tracing", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	srv := devserver.NewServer(devserver.NewBackend(), devserver.EchoAnswerer{}, devserver.Config{
		ChunkDelay:           opts.chunkDelay,
		OmitRefinement:       opts.omitRefinement,
		InjectMalformedFrame: opts.malformed,
		Logger:               logger,
		Metrics:              observability.NewServerMetrics(reg),
		TracerProvider:       tp,
	})

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           srv.Router(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", "addr", opts.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("devserver shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(sctx)
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
