package telemetry

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var bearerPattern = regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{8,})`)

// Options controls how NewLogger builds its handler.
type Options struct {
	Level string
	// JSON selects the JSON handler; otherwise a text handler is used.
	JSON      bool
	Component string
}

// NewLogger returns a structured logger writing to w. A nil writer means stderr.
func NewLogger(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	component := opts.Component
	if component == "" {
		component = "devsync"
	}
	return slog.New(handler).With("component", component)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	if !strings.Contains(strings.ToLower(v), "bearer") {
		return v, false
	}
	redacted := bearerPattern.ReplaceAllString(v, "${1}"+redactedPlaceholder)
	return redacted, redacted != v
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// LevelCritical sits above slog.LevelError for CRITICAL task events.
const LevelCritical = slog.LevelError + 4

// LevelFromSeverity maps the severity carried by LOG frames onto a slog level.
// Unknown severities log at info.
func LevelFromSeverity(severity string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL", "FATAL":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}
