package report_test

import (
	"strings"
	"testing"

	"ry/report"
)

func TestLineWithoutWhere(t *testing.T) {
	if got := report.Line("", "boom"); got != "boom" {
		t.Fatalf("expected %q, got %q", "boom", got)
	}
}

func TestLineWithWhere(t *testing.T) {
	if got := report.Line("RuntimeError", "boom"); got != "RuntimeError: boom" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSpanUnderlinesRequestedColumns(t *testing.T) {
	source := "var x = 1 +\nvar y = bogus\n"
	out := report.Span(2, 8, 13, "CompileError", "undefined variable", source)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if lines[0] != "CompileError: undefined variable" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if lines[1] != "var y = bogus" {
		t.Fatalf("unexpected source line: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], strings.Repeat(" ", 8)) {
		t.Fatalf("expected underline to start at column 8: %q", lines[2])
	}
	if got := strings.TrimLeft(lines[2], " "); got != strings.Repeat("^", 5) {
		t.Fatalf("expected 5 carets, got %q", got)
	}
}

func TestSpanOutOfRangeLineFallsBackToHeaderOnly(t *testing.T) {
	out := report.Span(99, 0, 1, "RuntimeError", "boom", "var x = 1\n")
	if out != "RuntimeError: boom" {
		t.Fatalf("expected header-only fallback, got %q", out)
	}
}
