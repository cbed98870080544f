package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"

	defaultLogWidth = 100
	minLogWidth     = 40

	continuationPrefix = "    "
	ellipsis           = "…"
)

// prettyHandler renders one record per logical line of key=value segments, wrapped to the
// terminal width. It is meant for local development; production keeps the JSON handler.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	head := applyDim(ts.Format("15:04:05.000"), h.color) + " " + levelTag(r.Level, h.color) + " " + applyBold(r.Message, h.color)
	segments := []string{head}

	for _, a := range h.attrs {
		segments = h.appendAttr(segments, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, "")
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, applyDim(fmt.Sprintf("src=%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	lines := wrapSegments(segments, " ", h.terminalWidth(), continuationPrefix)
	out := strings.Join(lines, "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, fullKey)
		}
		return segments
	}

	return append(segments, remapPrettyKey(fullKey)+"="+h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "component":
		return applyColor(ansiCyan, v.String(), h.color)
	case "peer", "peer_name":
		return applyColor(ansiBright, quoteIfNeeded(v.String()), h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(v.String(), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return strconv.FormatInt(n, 10) + "ms"
		}
	case "distance":
		if v.Kind() == slog.KindFloat64 {
			return strconv.FormatFloat(v.Float64(), 'f', 2, 64) + "m"
		}
	case "err":
		return applyColor(ansiRed, quoteIfNeeded(valueToString(v)), h.color)
	case "result":
		return colorizeResult(v.String(), h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "took"
	default:
		return k
	}
}

// terminalWidth prefers NEARBY_LOG_WIDTH, then COLUMNS, then the default. Widths below
// minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"NEARBY_LOG_WIDTH", "COLUMNS"} {
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

// wrapSegments packs segments into lines of at most width visible runes. Continuation lines
// start with prefix; a segment wider than a whole line is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, prefix string) []string {
	var lines []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			lines = append(lines, cur.String())
		}
		cur.Reset()
		curLen = 0
	}

	for _, seg := range segments {
		lead := ""
		if len(lines) > 0 && curLen == 0 {
			lead = prefix
		}

		segLen := visualLen(seg)
		if curLen > 0 && curLen+len(sep)+segLen > width {
			flush()
			lead = prefix
		}

		if curLen == 0 {
			room := width - utf8.RuneCountInString(lead)
			if segLen > room {
				seg = truncateVisual(seg, room)
				segLen = visualLen(seg)
			}
			cur.WriteString(lead)
			cur.WriteString(seg)
			curLen = utf8.RuneCountInString(lead) + segLen
			continue
		}

		cur.WriteString(sep)
		cur.WriteString(seg)
		curLen += len(sep) + segLen
	}
	flush()
	return lines
}

// visualLen counts runes that are not part of ANSI escape sequences.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func stripANSI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func truncateVisual(s string, room int) string {
	plain := []rune(stripANSI(s))
	if room <= 1 {
		return ellipsis
	}
	if len(plain) <= room {
		return string(plain)
	}
	return string(plain[:room-1]) + ellipsis
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return applyColor(ansiRed, "ERR", color)
	case level >= slog.LevelWarn:
		return applyColor(ansiYellow, "WRN", color)
	case level < slog.LevelInfo:
		return applyColor(ansiMagenta, "DBG", color)
	default:
		return applyColor(ansiBlue, "INF", color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return applyColor(ansiRed, s, color)
	case code >= 400:
		return applyColor(ansiYellow, s, color)
	default:
		return applyColor(ansiGreen, s, color)
	}
}

func colorizeStatusClass(class string, color bool) string {
	switch class {
	case "5xx":
		return applyColor(ansiRed, class, color)
	case "4xx":
		return applyColor(ansiYellow, class, color)
	default:
		return applyColor(ansiGreen, class, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "server_error":
		return applyColor(ansiRed, result, color)
	case "client_error":
		return applyColor(ansiYellow, result, color)
	default:
		return applyColor(ansiGreen, result, color)
	}
}

func applyColor(code, s string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return applyColor(ansiDim, s, color) }

func applyBold(s string, color bool) string { return applyColor(ansiBright, s, color) }
