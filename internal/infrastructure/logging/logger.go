package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

// ServiceName is the service attribute of every log record, and the name
// of the agent's service entity on the bus.
const ServiceName = "graylogic-agent"

const (
	logDirPermissions  = 0750
	logFilePermissions = 0640

	redacted = "[REDACTED]"
)

// sensitiveKeys are attribute keys whose values never reach the output.
var sensitiveKeys = map[string]bool{
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

// Logger wraps slog.Logger with the agent's defaults. It satisfies the
// small Logger interfaces declared by the agent packages, so one instance,
// or a Component child, can be handed to every component.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a Logger writing to cfg.Output: "stdout" (the default),
// "stderr", or a file path. A file is opened for appending, so the agent
// log can be registered as a log_upload type; Close releases it.
func New(cfg config.LoggingConfig, version string) (*Logger, error) {
	switch out := strings.TrimSpace(cfg.Output); strings.ToLower(out) {
	case "", "stdout":
		return NewWithWriter(cfg, version, os.Stdout), nil
	case "stderr":
		return NewWithWriter(cfg, version, os.Stderr), nil
	default:
		if err := os.MkdirAll(filepath.Dir(out), logDirPermissions); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_APPEND, logFilePermissions) //nolint:gosec // Path from configuration
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l := NewWithWriter(cfg, version, f)
		l.closer = f
		return l, nil
	}
}

// NewWithWriter creates a Logger writing to w, with the format and level
// of cfg and the service and version attributes on every record.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler.WithAttrs([]slog.Attr{
			slog.String("service", ServiceName),
			slog.String("version", version),
		})),
	}
}

// redact hides the values of sensitive attributes, such as a bearer token
// logged with a failed request.
func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// parseLevel maps debug, info, warn(ing) and error to slog levels; anything
// else is info.
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

// With returns a child Logger with additional attributes. The child shares
// the parent's output.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with a component name, e.g.
// "firmware" or "registry".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Close closes the log file opened by New. It is a no-op for the standard
// streams and for children.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default returns the JSON info logger used until the configuration is
// loaded.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
}
