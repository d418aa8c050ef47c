// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command line output for AleutianFlow tools.
//
// A Printer writes either styled output (colors, icons, bordered tables)
// or plain tab-separated lines suited to scripts. Styling is resolved
// against the destination writer, so output redirected to a file or a
// buffer carries no escape codes.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconPaused  Icon = "‖"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// StateIcon maps an orchestrator state name to its icon.
func StateIcon(state string) Icon {
	switch state {
	case "completed":
		return IconSuccess
	case "failed":
		return IconError
	case "awaiting_input", "stopped":
		return IconWarning
	case "paused":
		return IconPaused
	default:
		return IconPending
	}
}

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	error   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		bold:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		error:   r.NewStyle().Foreground(ColorError),
		header:  r.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		border:  r.NewStyle().Foreground(ColorTealDeep),
	}
}

// Printer writes command output to one destination.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	plain  bool
	styles styles
}

// NewPrinter creates a Printer for w. plain selects script-friendly
// output: no titles, no icons, tab-separated tables.
func NewPrinter(w io.Writer, plain bool) *Printer {
	return &Printer{
		w:      w,
		plain:  plain,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Plain reports whether p writes script-friendly output.
func (p *Printer) Plain() bool {
	return p.plain
}

// Writer returns the destination.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Title prints a styled title. Plain printers skip it.
func (p *Printer) Title(text string) {
	if p.plain {
		return
	}
	fmt.Fprintln(p.w, p.styles.title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(IconSuccess), p.styles.success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(IconWarning), p.styles.warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if p.plain {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(IconError), p.styles.error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.plain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.styles.muted.Render("│"), text)
}

// Status prints icon and text on one line.
func (p *Printer) Status(icon Icon, text string) {
	if p.plain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.icon(icon), text)
}

// Field prints an aligned "key: value" line.
func (p *Printer) Field(key string, value any) {
	if p.plain {
		fmt.Fprintf(p.w, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "  %s %v\n", p.styles.muted.Render(fmt.Sprintf("%-14s", key+":")), value)
}

// Table prints rows under headers.
//
// Plain printers write one tab-separated line per row after a header line.
// Styled printers draw a rounded-border table.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.plain {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.w, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.styles.header
			}
			return p.styles.cell
		})
	fmt.Fprintln(p.w, t.String())
}

func (p *Printer) icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.styles.success.Render(string(i))
	case IconWarning:
		return p.styles.warning.Render(string(i))
	case IconError:
		return p.styles.error.Render(string(i))
	case IconPending, IconPaused:
		return p.styles.muted.Render(string(i))
	default:
		return string(i)
	}
}
