package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiBold   = "\033[1m"
)

// ScopeKey is the attribute rendered as a [scope] tag ahead of the message
// instead of as key=value. Streams attach it with With.
const ScopeKey = "stream"

// byteKeys are integer attributes printed as binary sizes.
var byteKeys = map[string]bool{
	"workspace":       true,
	"workspace_bytes": true,
}

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	Level slog.Leveler
	// Color enables ANSI escapes.
	Color bool
}

// PrettyHandler writes one compact line per record:
//
//	15:04:05.000 DBG [bench] enqueue sparse scaled mm kernel=... m=128 workspace="1.1 MiB"
type PrettyHandler struct {
	opts  PrettyOptions
	w     io.Writer
	mu    *sync.Mutex
	scope string
	group string
	// pre holds attributes added with WithAttrs, already rendered.
	pre []byte
}

// NewPrettyHandler creates a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts PrettyOptions) *PrettyHandler {
	return &PrettyHandler{opts: opts, w: w, mu: &sync.Mutex{}}
}

// isTerminal reports whether w is a character device and NO_COLOR is unset.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiGray, r.Time.Format("15:04:05.000"))
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+ansiBold, levelTag(r.Level))

	scope := h.scope
	var attrs []byte
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ScopeKey && h.group == "" {
			scope = a.Value.String()
			return true
		}
		attrs = h.appendAttr(attrs, a, h.group)
		return true
	})
	if scope != "" {
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiGreen, "["+scope+"]")
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.pre...)
	buf = append(buf, attrs...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		if a.Key == ScopeKey && h.group == "" {
			next.scope = a.Value.String()
			continue
		}
		next.pre = h.appendAttr(next.pre, a, h.group)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

func (h *PrettyHandler) paint(buf []byte, color, s string) []byte {
	if !h.opts.Color {
		return append(buf, s...)
	}
	buf = append(buf, color...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

// appendAttr renders " key=value". Durations are rounded to microseconds,
// sizes under byteKeys are humanized and errors are highlighted.
func (h *PrettyHandler) appendAttr(buf []byte, a slog.Attr, group string) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, ga, key)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = h.paint(buf, ansiCyan, key+"=")

	switch v := a.Value; v.Kind() {
	case slog.KindDuration:
		d := v.Duration()
		if d >= time.Microsecond {
			d = d.Round(time.Microsecond)
		}
		return append(buf, d.String()...)
	case slog.KindInt64:
		if byteKeys[a.Key] && v.Int64() >= 0 {
			return append(buf, quote(humanize.IBytes(uint64(v.Int64())))...)
		}
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return h.paint(buf, ansiRed, quote(err.Error()))
		}
		return append(buf, quote(fmt.Sprint(v.Any()))...)
	default:
		return append(buf, quote(v.String())...)
	}
}

// quote wraps s in Go quotes when it would not read back as one token.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}
