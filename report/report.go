// Package report renders a single diagnostic against its offending
// source line, implementing spec.md §6's external `report(line, column,
// where, message, source)` contract as an in-process helper instead of
// an external collaborator, grounded on pylevm's PyleError.ShowSource.
package report

import (
	"fmt"
	"strings"
)

// Line formats a one-line "where: message" diagnostic, with no source
// context. This is the shape the VM would hand to an external reporter
// before source is available.
func Line(where, message string) string {
	if where == "" {
		return message
	}
	return fmt.Sprintf("%s: %s", where, message)
}

// Source formats a diagnostic together with the offending source line
// and a single caret under column.
func Source(line, column int, where, message, source string) string {
	header := Line(where, message)
	lines := strings.Split(source, "\n")
	if line <= 0 || line > len(lines) {
		return header
	}
	src := lines[line-1]
	col := column
	if col < 0 {
		col = 0
	}
	underline := strings.Repeat(" ", col) + "^"
	return fmt.Sprintf("%s\n%s\n%s", header, src, underline)
}

// Span is like Source but underlines the half-open [start, end) column
// range instead of a single caret.
func Span(line, start, end int, where, message, source string) string {
	header := Line(where, message)
	lines := strings.Split(source, "\n")
	if line <= 0 || line > len(lines) {
		return header
	}
	src := lines[line-1]
	if start < 0 {
		start = 0
	}
	width := end - start
	if width < 1 {
		width = 1
	}
	underline := strings.Repeat(" ", start) + strings.Repeat("^", width)
	return fmt.Sprintf("%s\n%s\n%s", header, src, underline)
}
