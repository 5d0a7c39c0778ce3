// Package plog is the process-wide structured logger used by every rumar
// package. It wraps log/slog and adds the TRACE and NOTICE levels.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Custom levels. NOTICE sits between DEBUG and INFO and carries the per-file
// events (CREATE, UPDATE, DELETE ...) so they can be hidden without losing
// run summaries.
const (
	LevelTrace  = slog.Level(-8)
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
	quietMode     atomic.Bool
)

var levelNames = map[slog.Level]string{
	LevelTrace:  "TRACE",
	LevelNotice: "NOTICE",
}

// replaceLevel renders the custom levels by name instead of "DEBUG-4" / "DEBUG+2".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok {
		if name, found := levelNames[lvl]; found {
			a.Value = slog.StringValue(name)
		}
	}
	return a
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}))
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// GetLevel returns the current minimum level.
func GetLevel() slog.Level {
	return level.Level()
}

// LevelFromString maps a user supplied level name to a level. Unknown names
// fall back to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, INFO level logs are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

func init() {
	level.Set(LevelInfo)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}

	defaultLogger = slog.New(&LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(os.Stdout, opts),
		stderrHandler: slog.NewTextHandler(os.Stderr, opts),
	})
}

func log(l slog.Level, msg string, args ...any) {
	defaultLogger.Log(context.Background(), l, msg, args...)
}

// Trace logs fine grained matcher and walker decisions.
func Trace(msg string, args ...any) {
	log(LevelTrace, msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	log(LevelDebug, msg, args...)
}

// Notice logs a per-item event.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	log(LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	log(LevelWarn, msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	log(LevelError, msg, args...)
}
