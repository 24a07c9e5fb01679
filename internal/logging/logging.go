// Package logging configures the process-wide structured logger used by
// every component of the relay: the reactor, the MTP engines, and the
// dispatcher all log through the *slog.Logger returned by Configure.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the shape of log output.
type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludeHost      bool
	ExtraFields      map[string]string
}

// Configure builds the default *slog.Logger for the process and installs
// it as slog.Default so packages that reach for slog directly (rather
// than threading a logger through) still get consistent output.
func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	out := io.Writer(os.Stderr)

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields)+1)
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if cfg.IncludeHost {
		if host, err := os.Hostname(); err == nil {
			attrs = append(attrs, slog.String("host", host))
		}
	}

	var handler slog.Handler
	if cfg.Structured && strings.ToLower(cfg.StructuredFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ForConnection returns a child logger carrying a stable correlation id
// for the lifetime of one reactor-registered connection.
func ForConnection(base *slog.Logger, connID, peer string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("conn", connID), slog.String("peer", peer))
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
