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
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/udit0x/agentic-rag-sub000/pkg/chatcache"
)

// SessionRow is one line of the session list.
type SessionRow struct {
	ID           string
	Title        string
	UpdatedAt    time.Time
	MessageCount int
	Current      bool
}

// RenderSessions writes the session list.
//
// Rich and plain modes draw a table (bordered in rich mode). Machine mode
// writes one tab-separated "SESSION:" record per row: id, message count,
// RFC 3339 update time, title.
func RenderSessions(w io.Writer, mode Mode, rows []SessionRow, now time.Time) {
	if mode == ModeMachine {
		for _, r := range rows {
			fmt.Fprintf(w, "SESSION: %s\t%d\t%s\t%s\n",
				r.ID, r.MessageCount, r.UpdatedAt.UTC().Format(time.RFC3339), oneLine(r.Title))
		}
		return
	}
	if len(rows) == 0 {
		NewPrinter(w, mode).Info("No conversations yet.")
		return
	}

	t := table.New().Headers("", "ID", "TITLE", "MESSAGES", "UPDATED")
	for _, r := range rows {
		marker := ""
		if r.Current {
			marker = string(IconArrow)
		}
		title := r.Title
		if title == "" {
			title = "(untitled)"
		}
		t.Row(marker, r.ID, truncate(title, 48), strconv.Itoa(r.MessageCount), relativeTime(r.UpdatedAt, now))
	}

	if mode == ModePlain {
		t.Border(lipgloss.HiddenBorder())
	} else {
		t.Border(lipgloss.RoundedBorder()).
			BorderStyle(Styles.TableBorder).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return Styles.TableHeader
				}
				return Styles.TableCell
			})
	}
	fmt.Fprintln(w, t.String())
}

// RenderHistory writes a stored transcript.
func RenderHistory(w io.Writer, mode Mode, msgs []chatcache.Message) {
	if len(msgs) == 0 {
		NewPrinter(w, mode).Info("This conversation is empty.")
		return
	}
	for i, m := range msgs {
		if mode == ModeMachine {
			writeMachineMessage(w, m)
			continue
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		if m.ResponseType == chatcache.ResponseTypeError {
			NewPrinter(w, mode).Error(m.Content)
			continue
		}
		writeLabel(w, mode, m.Role)
		fmt.Fprintln(w, m.Content)
		if m.Role == chatcache.RoleAssistant {
			writeSources(w, mode, m.Sources)
		}
	}
}

func writeLabel(w io.Writer, mode Mode, role chatcache.Role) {
	switch {
	case mode == ModePlain && role == chatcache.RoleUser:
		fmt.Fprint(w, "you> ")
	case mode == ModePlain:
		fmt.Fprint(w, "assistant> ")
	case role == chatcache.RoleUser:
		fmt.Fprintln(w, Styles.UserLabel.Render("You"))
	default:
		fmt.Fprintln(w, Styles.AssistantLabel.Render("Assistant"))
	}
}

func writeMachineMessage(w io.Writer, m chatcache.Message) {
	switch {
	case m.ResponseType == chatcache.ResponseTypeError:
		fmt.Fprintf(w, "ERROR: %s\n", oneLine(m.Content))
	case m.Role == chatcache.RoleUser:
		fmt.Fprintf(w, "USER: %s\n", oneLine(m.Content))
	default:
		fmt.Fprintf(w, "ANSWER: %s\n", oneLine(m.Content))
		writeSources(w, ModeMachine, m.Sources)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// relativeTime renders t relative to now ("just now", "5 mins ago",
// "3 days ago"), falling back to a date after a month.
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "min")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	case diff < 30*24*time.Hour:
		return plural(int(diff.Hours()/(24*7)), "week")
	default:
		return t.Format("Jan 2, 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
