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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing_None(t *testing.T) {
	tp, shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))

	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracing_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tp, shutdown, err := InitTracing(context.Background(), TracingConfig{
		ServiceName: "ragchat-test",
		Exporter:    ExporterStdout,
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "Submit")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"Submit"`)
	assert.Contains(t, buf.String(), "ragchat-test")
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
	assert.NotNil(t, shutdown)
}
