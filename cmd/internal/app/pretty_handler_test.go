package app

import (
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INF" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INF plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if n := visualLen(in); n != len(want) {
		t.Fatalf("visualLen()=%d want=%d", n, len(want))
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments([]string{s1, s2, s3}, " | ", 60, "-> ")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)

	lines := wrapSegments([]string{long}, " | ", 60, "-> ")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.HasSuffix(lines[0], ellipsis) {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestWrapSegments_ColorDoesNotCountTowardWidth(t *testing.T) {
	t.Parallel()

	colored := ansiGreen + strings.Repeat("g", 30) + ansiReset
	lines := wrapSegments([]string{colored, colored}, " ", 61, "  ")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d (%q)", len(lines), lines)
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("NEARBY_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("NEARBY_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("NEARBY_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != defaultLogWidth {
		t.Fatalf("terminalWidth()=%d want %d", got, defaultLogWidth)
	}
}
