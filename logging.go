package itemsync

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogConfig selects level, handler format and destination for NewLogger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text", Output: "stderr"}
}

// NewLogger builds a slog logger. Unknown values fall back to info level,
// the text handler and stderr.
func NewLogger(cfg LogConfig) *slog.Logger {
	return NewLoggerTo(cfg, nil)
}

// NewLoggerTo is NewLogger with an explicit writer, which overrides Output.
func NewLoggerTo(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			w = os.Stdout
		default:
			w = os.Stderr
		}
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("timestamp", a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

