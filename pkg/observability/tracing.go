// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Trace exporters accepted by TracingConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrUnknownExporter is returned for an unrecognized exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracingConfig selects where spans go.
type TracingConfig struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// Exporter is "none", "stdout" or "otlp". Empty means "none".
	Exporter string

	// OTLPEndpoint is the gRPC collector address for "otlp".
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the collector connection.
	OTLPInsecure bool

	// Writer receives stdout spans. nil means os.Stdout.
	Writer io.Writer
}

// InitTracing builds a TracerProvider and installs it as the global one.
//
// # Description
//
// With the "none" exporter a no-op provider is returned and nothing global
// is changed. Otherwise spans are batched to the selected exporter and the
// W3C trace-context propagator is installed.
//
// # Outputs
//
//   - trace.TracerProvider: Provider to pass to components.
//   - func(context.Context) error: Flushes and stops the exporter. Always
//     non-nil and safe to call once.
//   - error: Non-nil if the exporter could not be created.
//
// # Examples
//
//	tp, shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
//	    ServiceName: "ragchat",
//	    Exporter:    observability.ExporterStdout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func InitTracing(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop.NewTracerProvider(), nop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, nop, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		return nil, nop, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return tp, tp.Shutdown, nil
}
