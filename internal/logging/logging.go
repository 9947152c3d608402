// Package logging builds the [log/slog] loggers used by the flagdoc server
// and Lambda handler.
//
// JSON is the default output. The text format exists for local runs where a
// human reads stderr directly.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats accepted by [NewWithFormat].
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return NewWithFormat(level, FormatJSON, w)
}

// NewWithFormat creates a [slog.Logger] writing to w in the given format.
// Unknown formats fall back to JSON. Debug loggers include source locations.
func NewWithFormat(level, format string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}
	if ParseFormat(format) == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat normalises a format string, returning [FormatJSON] for
// anything other than "text".
func ParseFormat(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), FormatText) {
		return FormatText
	}
	return FormatJSON
}
