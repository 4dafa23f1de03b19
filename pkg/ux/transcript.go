// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
)

// Transcript prints a session's messages as the cache changes.
//
// # Description
//
// Transcript.Listen is a chatcache.Listener: subscribe it to the session
// before submitting, and it prints each new message and each appended
// token as the store is updated. Content that is replaced rather than
// extended (a completion that differs from the streamed tokens) is printed
// again in full. Sources are printed once per answer; related questions
// are held until Finish.
//
// In ModeMachine nothing is printed while streaming; Finish writes one
// record per line instead.
//
// # Thread Safety
//
// Safe for concurrent use. Store listeners run on the writer's goroutine.
type Transcript struct {
	w        *stickyWriter
	mode     Mode
	echoUser bool

	mu            sync.Mutex
	firstOutput   func()
	shown         map[string]*shownMessage
	turn          []*shownMessage
	sessionID     string
	related       []string
	midLine       bool
	wroteAnything bool
}

type shownMessage struct {
	msg          chatcache.Message
	content      string
	sourcesShown bool
	errorShown   bool
}

// NewTranscript creates a Transcript writing to w. With echoUser set, user
// messages are printed too.
func NewTranscript(w io.Writer, mode Mode, echoUser bool) *Transcript {
	return &Transcript{
		w:        &stickyWriter{w: w},
		mode:     mode,
		echoUser: echoUser,
		shown:    make(map[string]*shownMessage),
	}
}

// OnFirstOutput registers fn to run once, just before the next write.
// Callers use it to stop a spinner.
func (t *Transcript) OnFirstOutput(fn func()) {
	t.mu.Lock()
	t.firstOutput = fn
	t.mu.Unlock()
}

// Seed marks every message of entry as already printed.
func (t *Transcript) Seed(entry *chatcache.SessionEntry) {
	if entry == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range entry.Messages {
		t.remember(&shownMessage{
			msg:          m,
			content:      m.Content,
			sourcesShown: true,
			errorShown:   true,
		})
	}
}

// SessionID returns the id of the last session Listen was called for.
func (t *Transcript) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Transcript) lookup(m chatcache.Message) *shownMessage {
	if s, ok := t.shown[m.ID]; ok {
		return s
	}
	if m.ServerID != "" {
		if s, ok := t.shown[m.ServerID]; ok {
			return s
		}
	}
	return nil
}

func (t *Transcript) remember(s *shownMessage) {
	t.shown[s.msg.ID] = s
	if s.msg.ServerID != "" {
		t.shown[s.msg.ServerID] = s
	}
}

// Listen prints what changed in entry since the previous call.
func (t *Transcript) Listen(sessionID string, entry *chatcache.SessionEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionID = sessionID
	if entry == nil {
		return
	}

	for _, m := range entry.Messages {
		s := t.lookup(m)
		if s == nil {
			s = &shownMessage{msg: m}
			t.remember(s)
			t.turn = append(t.turn, s)
			t.begin(m)
		} else if m.ServerID != "" && s.msg.ServerID == "" {
			s.msg.ServerID = m.ServerID
			t.remember(s)
		}
		s.msg = m
		t.advance(s)
	}

	if last := entry.LastUserMessage(); last >= 0 {
		if related := entry.RefinementFor(entry.Messages[last]); len(related) > 0 {
			t.related = append(t.related[:0], related...)
		}
	}
}

// begin prints the header of a newly seen message.
func (t *Transcript) begin(m chatcache.Message) {
	if t.mode == ModeMachine || m.ResponseType == chatcache.ResponseTypeError {
		return
	}
	if m.Role == chatcache.RoleUser && !t.echoUser {
		return
	}
	t.breakLine()
	if t.wroteAnything {
		t.write("\n")
	}
	switch {
	case t.mode == ModePlain && m.Role == chatcache.RoleUser:
		t.write("you> ")
	case t.mode == ModePlain:
		t.write("assistant> ")
	case m.Role == chatcache.RoleUser:
		t.write(Styles.UserLabel.Render("You") + "\n")
	default:
		t.write(Styles.AssistantLabel.Render("Assistant") + "\n")
	}
}

// advance prints the part of s.msg not printed yet.
func (t *Transcript) advance(s *shownMessage) {
	m := s.msg
	if t.mode == ModeMachine {
		s.content = m.Content
		return
	}
	if m.Role == chatcache.RoleUser && !t.echoUser {
		s.content = m.Content
		return
	}

	if m.ResponseType == chatcache.ResponseTypeError {
		if !s.errorShown {
			s.errorShown = true
			s.content = m.Content
			t.breakLine()
			NewPrinter(t.w, t.mode).Error(m.Content)
			t.wroteAnything = true
		}
		return
	}

	switch {
	case m.Content == s.content:
	case strings.HasPrefix(m.Content, s.content):
		t.write(m.Content[len(s.content):])
	default:
		t.breakLine()
		t.write(m.Content)
	}
	s.content = m.Content

	if m.Role == chatcache.RoleUser {
		t.breakLine()
		return
	}

	if len(m.Sources) > 0 && !s.sourcesShown {
		s.sourcesShown = true
		t.breakLine()
		writeSources(t.w, t.mode, m.Sources)
	}
}

func (t *Transcript) write(text string) {
	if text == "" {
		return
	}
	if t.firstOutput != nil {
		fn := t.firstOutput
		t.firstOutput = nil
		fn()
	}
	if _, err := io.WriteString(t.w, text); err != nil {
		return
	}
	t.wroteAnything = true
	t.midLine = !strings.HasSuffix(text, "\n")
}

func (t *Transcript) breakLine() {
	if t.midLine {
		t.write("\n")
	}
}

// Finish ends the current turn: it closes any open line and prints the
// related questions. In ModeMachine it prints the turn's records.
//
// It returns the first write error seen since the Transcript was created.
// Output stops at that error; the cache is unaffected.
func (t *Transcript) Finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.firstOutput != nil {
		fn := t.firstOutput
		t.firstOutput = nil
		fn()
	}

	if t.mode == ModeMachine {
		t.finishMachine()
	} else {
		t.breakLine()
		if len(t.related) > 0 {
			t.write("\n")
			writeRelated(t.w, t.mode, t.related)
		}
	}
	t.turn = nil
	t.related = nil
	return t.w.err
}

func (t *Transcript) finishMachine() {
	if t.sessionID != "" {
		fmt.Fprintf(t.w, "SESSION: %s\n", t.sessionID)
	}
	for _, s := range t.turn {
		m := s.msg
		switch {
		case m.ResponseType == chatcache.ResponseTypeError:
			fmt.Fprintf(t.w, "ERROR: %s\n", oneLine(m.Content))
		case m.Role == chatcache.RoleAssistant:
			fmt.Fprintf(t.w, "ANSWER: %s\n", oneLine(m.Content))
			writeSources(t.w, t.mode, m.Sources)
		}
	}
	writeRelated(t.w, t.mode, t.related)
}

// stickyWriter remembers the first write error and drops later writes.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// =============================================================================
// Shared Blocks
// =============================================================================

func writeSources(w io.Writer, mode Mode, sources []chatcache.Source) {
	if len(sources) == 0 {
		return
	}
	if mode == ModeMachine {
		for _, s := range sources {
			fmt.Fprintf(w, "SOURCE: %s score=%.4f\n", sourceName(s), s.Score)
		}
		return
	}

	lines := make([]string, 0, len(sources))
	for i, s := range sources {
		line := fmt.Sprintf("%d. %s", i+1, sourceName(s))
		if s.PageNumber != nil {
			line += fmt.Sprintf(" (p. %d)", *s.PageNumber)
		}
		if s.Score > 0 {
			line += fmt.Sprintf(" score %.2f", s.Score)
		}
		lines = append(lines, line)
	}

	if mode == ModePlain {
		fmt.Fprintln(w, "Sources:")
		for _, l := range lines {
			fmt.Fprintf(w, "  %s\n", l)
		}
		return
	}
	fmt.Fprintln(w, Styles.InfoBox.Render(Styles.Bold.Render("Sources")+"\n"+strings.Join(lines, "\n")))
}

func writeRelated(w io.Writer, mode Mode, related []string) {
	if len(related) == 0 {
		return
	}
	switch mode {
	case ModeMachine:
		for _, q := range related {
			fmt.Fprintf(w, "RELATED: %s\n", oneLine(q))
		}
	case ModePlain:
		fmt.Fprintln(w, "Related questions:")
		for _, q := range related {
			fmt.Fprintf(w, "  - %s\n", q)
		}
	default:
		fmt.Fprintln(w, Styles.Subtitle.Render("Related questions"))
		for _, q := range related {
			fmt.Fprintf(w, "  %s %s\n", Styles.Muted.Render(string(IconBullet)), q)
		}
	}
}

func sourceName(s chatcache.Source) string {
	switch {
	case s.Filename != "":
		return s.Filename
	case s.DocumentID != "":
		return s.DocumentID
	default:
		return "unknown"
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", `\n`)
}
