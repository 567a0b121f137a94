// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the folio CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Palette: deep ocean teals
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style

	Header lipgloss.Style
	Cell   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),

	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).PaddingRight(2),
	Cell:   lipgloss.NewStyle().PaddingRight(2),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
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
// Destinations
// =============================================================================

var (
	outMu  sync.RWMutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects regular and diagnostic output. It returns a function
// restoring the previous writers.
func SetOutput(out, errOut io.Writer) (restore func()) {
	outMu.Lock()
	defer outMu.Unlock()
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, errOut
	return func() {
		outMu.Lock()
		defer outMu.Unlock()
		stdout, stderr = prevOut, prevErr
	}
}

func writers() (io.Writer, io.Writer) {
	outMu.RLock()
	defer outMu.RUnlock()
	return stdout, stderr
}

// Stdout returns the current regular output writer.
func Stdout() io.Writer {
	out, _ := writers()
	return out
}

// =============================================================================
// Print helpers
// =============================================================================

// Title prints a styled title
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	out, _ := writers()
	fmt.Fprintln(out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	out, _ := writers()
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(out, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	out, errOut := writers()
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errOut, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(out, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	_, errOut := writers()
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(errOut, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(errOut, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(errOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	out, _ := writers()
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(out, text)
		return
	}
	fmt.Fprintf(out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	out, _ := writers()
	fmt.Fprintln(out, Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	out, _ := writers()
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(out, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints a failure with its details, e.g. validation violations.
func ErrorBox(title string, details []string) {
	_, errOut := writers()
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(errOut, "ERROR %s: %s\n", title, strings.Join(details, "; "))
		return
	}
	body := Styles.Error.Bold(true).Render(title)
	for _, d := range details {
		body += "\n" + IconBullet.Render() + " " + d
	}
	fmt.Fprintln(errOut, Styles.ErrorBox.Width(72).Render(body))
}

// Table prints rows under headers. Machine mode emits tab separated
// values without styling.
//
// # Inputs
//
//   - headers: Column titles. Rows shorter than headers are padded.
//   - rows: Cell values.
func Table(headers []string, rows [][]string) {
	out, _ := writers()
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(out, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(out, strings.Join(r, "\t"))
		}
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i := 0; i < len(headers) && i < len(r); i++ {
			widths[i] = max(widths[i], lipgloss.Width(r[i]))
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(headers))
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(out, line(headers, Styles.Header))
	for _, r := range rows {
		fmt.Fprintln(out, line(r, Styles.Cell))
	}
}

// Amount formats a decimal string for display using the personality's
// precision. Values that do not parse are returned unchanged.
func Amount(s string) string {
	p := GetPersonality()
	if p.Precision <= 0 || p.Level == PersonalityMachine {
		return s
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', p.Precision, 64)
}
