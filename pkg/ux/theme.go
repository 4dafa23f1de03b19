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

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorAccent    = lipgloss.Color("#2CD7C7")
	ColorPrimary   = lipgloss.Color("#20B9B4")
	ColorBorder    = lipgloss.Color("#16858E")
	ColorSecondary = lipgloss.Color("#157483")
	ColorSlate     = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B8A94")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style

	InfoBox  lipgloss.Style
	ErrorBox lipgloss.Style

	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
	TableBorder lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(ColorSecondary),
	AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),

	InfoBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Padding(0, 1),
	TableCell:   lipgloss.NewStyle().Padding(0, 1),
	TableBorder: lipgloss.NewStyle().Foreground(ColorBorder),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes status lines in the style of its Mode.
//
// Rich output is colored. Plain output keeps the icons but drops colors.
// Machine output is "STATUS: text".
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer on w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) status(key string, icon Icon, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", key, text)
	case ModePlain:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Title prints a heading. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
	case ModePlain:
		fmt.Fprintln(p.w, text)
	default:
		fmt.Fprintln(p.w, Styles.Title.Render(text))
	}
}

func (p *Printer) Success(text string) { p.status("OK", IconSuccess, Styles.Success, text) }
func (p *Printer) Warning(text string) { p.status("WARN", IconWarning, Styles.Warning, text) }
func (p *Printer) Error(text string)   { p.status("ERROR", IconError, Styles.Error, text) }
func (p *Printer) Info(text string)    { p.status("INFO", IconArrow, Styles.Subtitle, text) }

// Box prints content under a title, framed in rich mode.
func (p *Printer) Box(title, content string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
	case ModePlain:
		fmt.Fprintf(p.w, "%s\n%s\n", title, content)
	default:
		fmt.Fprintln(p.w, Styles.InfoBox.Render(Styles.Bold.Render(title)+"\n"+content))
	}
}
