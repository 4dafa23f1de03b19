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
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udit0x/agentic-rag-sub000/pkg/config"
	"github.com/udit0x/agentic-rag-sub000/pkg/logging"
	"github.com/udit0x/agentic-rag-sub000/pkg/ux"
	"github.com/udit0x/agentic-rag-sub000/services/devserver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server     *httptest.Server
	configPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	for _, env := range []string{config.EnvServer, config.EnvLogLevel, config.EnvOTLPEndpoint, ux.EnvOutputMode} {
		t.Setenv(env, "")
	}

	srv := devserver.NewServer(devserver.NewBackend(), devserver.EchoAnswerer{}, devserver.Config{
		Logger: logging.Nop(),
	})
	ts := httptest.NewServer(srv.Router(nil))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("server:\n  url: %s\ncache:\n  enabled: true\n  dir: %s\n",
		ts.URL, filepath.Join(dir, "cache"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	return &fixture{server: ts, configPath: path}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var sessionRecord = regexp.MustCompile(`SESSION: (\S+)`)

func TestAsk_Plain(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "--output", "plain", "ask", "What", "is", "covered?")
	require.NoError(t, err)

	assert.Contains(t, out, `assistant> Answer 1: the documents say "What is covered?" is covered in section 1.`)
	assert.Contains(t, out, "Sources:\n  1. handbook.pdf (p. 1) score 0.87\n")
	assert.Contains(t, out, "Related questions:\n  - Summarize What is covered?\n")
	assert.Contains(t, out, "Conversation titled")
	assert.Contains(t, out, "continue with --session")
}

func TestAsk_MachineFollowUp(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "--output", "machine", "ask", "First question")
	require.NoError(t, err)
	assert.Contains(t, out, `ANSWER: Answer 1: the documents say "First question" is covered in section 1.`)
	assert.Contains(t, out, "SOURCE: handbook.pdf score=0.8700\n")
	assert.Contains(t, out, "RELATED: Summarize First question\n")

	m := sessionRecord.FindStringSubmatch(out)
	require.Len(t, m, 2)
	sessionID := m[1]

	out, err = f.run(t, "--output", "machine", "ask", "--session", sessionID, "Second question")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION: "+sessionID+"\n")
	assert.Contains(t, out, "ANSWER: Answer 2:")
	assert.NotContains(t, out, "ANSWER: Answer 1:")

	out, err = f.run(t, "--output", "machine", "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION: "+sessionID+"\t4\t")

	out, err = f.run(t, "--output", "machine", "history", sessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "USER: First question\n")
	assert.Contains(t, out, "USER: Second question\n")
	assert.Contains(t, out, "ANSWER: Answer 2:")
}

func TestHistory_FallsBackToCache(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "--output", "machine", "ask", "Cached question")
	require.NoError(t, err)
	sessionID := sessionRecord.FindStringSubmatch(out)[1]

	f.server.Close()

	out, err = f.run(t, "--output", "plain", "history", sessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "Showing the cached copy")
	assert.Contains(t, out, "you> Cached question")

	_, err = f.run(t, "--output", "plain", "--no-cache", "history", sessionID)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "--output", "machine", "ask", "Short lived")
	require.NoError(t, err)
	sessionID := sessionRecord.FindStringSubmatch(out)[1]

	out, err = f.run(t, "--output", "machine", "delete", sessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: Deleted "+sessionID)

	out, err = f.run(t, "--output", "machine", "sessions")
	require.NoError(t, err)
	assert.NotContains(t, out, sessionID)
}

func TestAsk_ServerDown(t *testing.T) {
	f := newFixture(t)
	f.server.Close()

	out, err := f.run(t, "--output", "plain", "ask", "Anyone there?")
	require.Error(t, err)
	assert.Contains(t, out, "Could not reach the chat server")
}

func TestChatSession(t *testing.T) {
	f := newFixture(t)

	var out bytes.Buffer
	a, err := newApp(context.Background(), rootOptions{configPath: f.configPath, output: "plain"}, &out)
	require.NoError(t, err)
	defer a.Close()

	input := strings.Join([]string{
		"first",
		"",
		"/history",
		"/bogus",
		"second",
		"/sessions",
		"/new",
		"/history",
		"/quit",
		"never sent",
	}, "\n")
	s := &chatSession{app: a, in: ux.NewLineReader(strings.NewReader(input), nil)}
	require.NoError(t, s.run(context.Background(), ""))

	text := out.String()
	assert.Contains(t, text, `assistant> Answer 1: the documents say "first"`)
	assert.Contains(t, text, "you> first\n")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, `assistant> Answer 2: the documents say "second"`)
	assert.Contains(t, text, "New conversation")
	assert.Contains(t, text, "no session")
	assert.NotContains(t, text, "never sent")
}
