// Package logging provides structured logging for roamshell.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a structured logger with the specified level and format.
// Supported levels: debug, info, warn, error. Supported formats: text, json.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a structured logger writing to a custom writer.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Nop returns a logger that discards all output; used by tests and by
// components that were not handed a logger.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys, kept consistent across every component so log
// lines can be correlated by session or direction.
const (
	KeySessionID  = "session_id"
	KeyDirection  = "direction"
	KeyStateNum   = "state_num"
	KeyAckNum     = "ack_num"
	KeyFragmentID = "fragment_id"
	KeyNonce      = "nonce_seq"
	KeyRTT        = "rtt_ms"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyError      = "error"
	KeyBytes      = "bytes"
	KeyEpoch      = "epoch"
)
