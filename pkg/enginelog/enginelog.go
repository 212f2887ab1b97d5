// Package enginelog provides the slog handler for engine worker logs. The
// line format is a wire contract with the forum tailer:
//
//	YYYY-MM-DD HH:mm:ss.SSS | LEVEL | logger.path:function:line - body
//
// Multi-line bodies are written verbatim; continuation lines carry no prefix.
package enginelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
)

// LoggerKey is the attribute carrying the logger path. Records without it
// fall back to the handler's default path.
const LoggerKey = "logger"

// Handler formats records in the engine log line format. It is safe for
// concurrent use; every record is written in a single Write call.
type Handler struct {
	mu          *sync.Mutex
	out         io.Writer
	level       slog.Level
	defaultPath string
	attrs       []slog.Attr
}

// NewHandler creates a handler writing to out. defaultPath names the logger
// when a record carries no explicit path, e.g. "query.worker".
func NewHandler(out io.Writer, level slog.Level, defaultPath string) *Handler {
	return &Handler{
		mu:          &sync.Mutex{},
		out:         out,
		level:       level,
		defaultPath: defaultPath,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but groups are flattened; the line format has no
// nesting.
func (h *Handler) WithGroup(string) slog.Handler { return h }

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	loggerPath := h.defaultPath

	var fields strings.Builder
	appendAttr := func(a slog.Attr) {
		if a.Key == LoggerKey {
			loggerPath = a.Value.String()
			return
		}
		fmt.Fprintf(&fields, " %s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	function, line := callerInfo(r.PC)

	body := r.Message + fields.String()
	prefix := fmt.Sprintf("%s | %s | %s:%s:%d - ",
		r.Time.Format("2006-01-02 15:04:05.000"), levelName(r.Level), loggerPath, function, line)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write([]byte(prefix + body + "\n"))
	return err
}

// callerInfo resolves the short function name and line of the log call site.
func callerInfo(pc uintptr) (string, int) {
	if pc == 0 {
		return "unknown", 0
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return "unknown", frame.Line
	}
	function := frame.Function
	if i := strings.LastIndex(function, "."); i >= 0 {
		function = function[i+1:]
	}
	return function, frame.Line
}
