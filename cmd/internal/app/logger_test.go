package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "json", false)
	log.Debug("hidden")
	log.Info("peer.admit", "peer", "bob")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rec["msg"] != "peer.admit" || rec["peer"] != "bob" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewLogger_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "pretty", false)
	log.With("component", "coordinator").Debug("ranging.update", "distance", 1.2)

	out := buf.String()
	for _, want := range []string{"DBG", "ranging.update", "component=coordinator", "distance=1.20m"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
