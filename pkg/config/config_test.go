// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	t.Setenv(EnvServer, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvOTLPEndpoint, "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DefaultConfig(), *cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "refinement_timeout: 8s")

	_, created, err = Load(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  url: https://rag.example.com\nstream:\n  refinement_timeout: 2s\n"), 0644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://rag.example.com", cfg.Server.URL)
	assert.Equal(t, 2*time.Second, cfg.Stream.RefinementTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.RequestTimeout)
	assert.Equal(t, 4, cfg.History.PrefetchConcurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvServer, "http://10.0.0.5:9000")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Server.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_OTLPEndpointEnablesExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv(EnvOTLPEndpoint, "collector:4317")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad url", "server:\n  url: not a url\n"},
		{"zero refinement timeout", "stream:\n  refinement_timeout: 0s\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"cache without dir", "cache:\n  enabled: true\n  dir: \"\"\n"},
		{"bad metrics addr", "metrics:\n  addr: nope\n"},
		{"malformed yaml", "server: [\n"},
		{"unknown exporter", "tracing:\n  exporter: zipkin\n"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))

			_, _, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, _, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 16)
	w, err := NewWatcher(path, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	// A truncating write can be observed half-way, so wait for the final state.
	deadline := time.After(5 * time.Second)
	for level := ""; level != "debug"; {
		select {
		case cfg := <-reloaded:
			level = cfg.Logging.Level
		case <-deadline:
			t.Fatal("no reload after write")
		}
	}

	cancel()
	<-done
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".ragchat", "cache"), ExpandPath("~/.ragchat/cache"))
	assert.Equal(t, "/var/lib/ragchat", ExpandPath("/var/lib/ragchat"))
}
