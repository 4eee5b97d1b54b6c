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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
	colorBorder  = lipgloss.Color("#16858E")
)

// styles renders terminal output. Every method degrades to plain text
// when color is off, so output piped to a file stays greppable.
type styles struct {
	color bool

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style

	added   *color.Color
	removed *color.Color
	hunk    *color.Color
	header  *color.Color
}

func newStyles(out io.Writer, want bool) *styles {
	on := want && isTerminal(out) && os.Getenv("NO_COLOR") == ""
	s := &styles{
		color:   on,
		title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		muted:   lipgloss.NewStyle().Foreground(colorMuted),
		success: lipgloss.NewStyle().Foreground(colorSuccess),
		warning: lipgloss.NewStyle().Foreground(colorWarning),
		failure: lipgloss.NewStyle().Foreground(colorError),
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgRed),
		hunk:    color.New(color.FgCyan),
		header:  color.New(color.Bold),
	}
	for _, c := range []*color.Color{s.added, s.removed, s.hunk, s.header} {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s *styles) render(st lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return st.Render(text)
}

func (s *styles) heading(text string) string { return s.render(s.title, text) }
func (s *styles) dim(text string) string     { return s.render(s.muted, text) }
func (s *styles) ok(text string) string      { return s.render(s.success, text) }
func (s *styles) warn(text string) string    { return s.render(s.warning, text) }

func (s *styles) errorf(format string, args ...any) string {
	return s.render(s.failure, fmt.Sprintf(format, args...))
}

// table lays out rows under headers. Borders only appear on a terminal.
func (s *styles) table(headers []string, rows [][]string) string {
	t := table.New().Headers(headers...).Rows(rows...)
	if !s.color {
		return t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).
			StyleFunc(func(_, _ int) lipgloss.Style {
				return lipgloss.NewStyle().PaddingRight(2)
			}).
			String()
	}
	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Bold(true).Foreground(colorAccent)
			}
			return base
		}).
		String()
}

// diff colors a unified patch line by line.
func (s *styles) diff(patch string) string {
	lines := strings.SplitAfter(patch, "\n")
	var b strings.Builder
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			b.WriteString(s.header.Sprint(line))
		case strings.HasPrefix(line, "@@"):
			b.WriteString(s.hunk.Sprint(line))
		case strings.HasPrefix(line, "+"):
			b.WriteString(s.added.Sprint(line))
		case strings.HasPrefix(line, "-"):
			b.WriteString(s.removed.Sprint(line))
		default:
			b.WriteString(line)
		}
	}
	return b.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
