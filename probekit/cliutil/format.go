// Package cliutil provides shared rendering helpers for the probekit CLI:
// styled tables, status coloring and hint lines. Color output is suppressed
// automatically when stdout is not a terminal.
package cliutil

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

var stdoutTTY = term.IsTerminal(int(os.Stdout.Fd()))

// NewTable returns a table writer with the shared probekit style applied,
// capped to the terminal width when stdout is a terminal.
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if width := terminalWidth(); width > 0 {
		t.Style().Size.WidthMax = width
	}
	return t
}

func terminalWidth() int {
	if !stdoutTTY {
		return 0
	}
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// StatusRowPainter colors table rows by the HTTP status class in column
// statusCol: 3xx cyan, 4xx yellow, 5xx red. Other rows stay unpainted.
func StatusRowPainter(statusCol int) table.RowPainter {
	return func(row table.Row) text.Colors {
		if !stdoutTTY || statusCol >= len(row) {
			return nil
		}
		return statusColors(cellStatus(row[statusCol]))
	}
}

// cellStatus extracts an HTTP status code from a table cell value.
func cellStatus(cell interface{}) int {
	switch v := cell.(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func statusColors(status int) text.Colors {
	switch {
	case status >= 500:
		return text.Colors{text.FgRed}
	case status >= 400:
		return text.Colors{text.FgYellow}
	case status >= 300:
		return text.Colors{text.FgCyan}
	default:
		return nil
	}
}

// Bold returns s styled bold for terminal output.
func Bold(s string) string {
	if !stdoutTTY {
		return s
	}
	return text.Bold.Sprint(s)
}

// ID returns an identifier (flow_id, scan_id, command) styled for terminal output.
func ID(s string) string {
	if !stdoutTTY {
		return s
	}
	return text.FgCyan.Sprint(s)
}

// Error returns s styled as an error for terminal output.
func Error(s string) string {
	if !stdoutTTY {
		return s
	}
	return text.FgRed.Sprint(s)
}

// Success returns s styled as a success marker for terminal output.
func Success(s string) string {
	if !stdoutTTY {
		return s
	}
	return text.FgGreen.Sprint(s)
}

// NoResults prints an empty-result message.
func NoResults(w io.Writer, msg string) {
	if stdoutTTY {
		msg = text.Faint.Sprint(msg)
	}
	_, _ = fmt.Fprintln(w, msg)
}

// Summary prints a trailing "N things" count line below a table.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "\n%d %s\n", n, noun)
}

// Hint prints a follow-up suggestion line.
func Hint(w io.Writer, msg string) {
	if stdoutTTY {
		msg = text.Faint.Sprint(msg)
	}
	_, _ = fmt.Fprintln(w, msg)
}

// HintCommand prints a follow-up command suggestion, e.g.
// "To check status: probekit scan status abc123".
func HintCommand(w io.Writer, label, command string) {
	_, _ = fmt.Fprintf(w, "%s: %s\n", label, ID(command))
}
