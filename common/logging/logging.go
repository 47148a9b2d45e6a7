// Package logging configures the process-wide log/slog default logger.
// Every call site elsewhere in this module still calls slog.Info/Warn/Error
// directly — this package decides, once at startup, what level and encoding
// those calls are written with, and scrubs registered secrets from every
// string attribute on the way out.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/kurogane-sec/agentguard/common/redact"
)

// Setup installs the default slog logger, writing to stderr so log output
// never interleaves with anything a wrapping script reads from stdout.
func Setup(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, level, format)))
}

// NewHandler builds the handler Setup installs: level is "debug", "info",
// "warn", or "error" (anything else falls back to "info"), format is
// "json" or text. Split out from Setup so tests can aim it at a buffer.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: scrubAttr}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// scrubAttr passes every string attribute (the message included) through
// the secret scrub, so a call site that interpolates provider stderr or an
// error chain cannot leak a configured secret even when it forgets to
// redact first.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(redact.String(a.Value.String()))
	}
	return a
}
