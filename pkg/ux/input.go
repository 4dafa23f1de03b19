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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// InputReader reads one line of user input at a time. ReadLine returns
// io.EOF when input is exhausted.
type InputReader interface {
	ReadLine(prompt string) (string, error)
}

// =============================================================================
// LineReader
// =============================================================================

// LineReader reads newline-terminated lines from any reader. It is used for
// piped input and in tests.
type LineReader struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLineReader creates a LineReader. Prompts go to out; nil suppresses
// them.
func NewLineReader(in io.Reader, out io.Writer) *LineReader {
	return &LineReader{in: bufio.NewReader(in), out: out}
}

// ReadLine prints prompt and returns the next line, trimmed. A final line
// without a newline is returned before io.EOF.
func (r *LineReader) ReadLine(prompt string) (string, error) {
	if r.out != nil && prompt != "" {
		fmt.Fprint(r.out, prompt)
	}
	line, err := r.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// InteractiveReader
// =============================================================================

// InteractiveReader edits input in place with up/down history navigation.
// Ctrl+C clears the line; Ctrl+D on an empty line ends input.
type InteractiveReader struct {
	history    []string
	maxHistory int
}

// NewInputReader returns an InteractiveReader when stdin is a terminal and a
// LineReader on stdin otherwise.
func NewInputReader(maxHistory int) InputReader {
	if !IsTerminal(os.Stdin) {
		return NewLineReader(os.Stdin, nil)
	}
	return &InteractiveReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
	}
}

// ReadLine runs the editor until Enter, Ctrl+C or Ctrl+D.
func (r *InteractiveReader) ReadLine(prompt string) (string, error) {
	ti := textinput.New()
	ti.Prompt = prompt
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	p := tea.NewProgram(newInputModel(ti, r.history), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected input model %T", final)
	}
	if result.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(result.input.Value())
	if line != "" {
		r.remember(line)
	}
	return line, nil
}

func (r *InteractiveReader) remember(line string) {
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// inputModel is the bubbletea model behind InteractiveReader.
type inputModel struct {
	input   textinput.Model
	history []string
	index   int // -1 while editing a fresh line
	draft   string
	done    bool
	eof     bool
}

func newInputModel(ti textinput.Model, history []string) inputModel {
	return inputModel{input: ti, history: history, index: -1}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.input.SetValue("")
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlD:
		if m.input.Value() == "" {
			m.eof = true
			m.done = true
			return m, tea.Quit
		}
		return m, nil
	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.index == -1 {
			m.draft = m.input.Value()
			m.index = len(m.history) - 1
		} else if m.index > 0 {
			m.index--
		}
		m.input.SetValue(m.history[m.index])
		m.input.CursorEnd()
		return m, nil
	case tea.KeyDown:
		if m.index == -1 {
			return m, nil
		}
		if m.index < len(m.history)-1 {
			m.index++
			m.input.SetValue(m.history[m.index])
		} else {
			m.index = -1
			m.input.SetValue(m.draft)
		}
		m.input.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
