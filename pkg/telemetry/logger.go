package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger plus the configuration it was built from.
// Child loggers share the configuration and add fields.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger opens cfg.Output ("stderr", "stdout" or a file path appended
// to) and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return NewLoggerWithWriter(cfg, w), nil
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewLoggerWithWriter builds a logger on w. Format "console" wraps w in a
// human-readable zerolog.ConsoleWriter; anything else emits JSON lines.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	layout := timeLayout(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: layout, NoColor: cfg.NoColor}
	}
	zerolog.TimeFieldFormat = layout

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger(), config: cfg}
}

// Zerolog returns the underlying zerolog.Logger for packages that accept one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) child(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), config: l.config}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.zlog.With().Str("component", component))
}

// With returns a child logger carrying the given string fields.
func (l *Logger) With(fields map[string]string) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return l.child(ctx)
}

// WithResolutionID tags the logger with a resolution id.
func (l *Logger) WithResolutionID(id string) *Logger {
	return l.child(l.zlog.With().Str("resolution_id", id))
}

// WithJob tags the logger with a matrix entry name and its operating system.
func (l *Logger) WithJob(name, os string) *Logger {
	return l.child(l.zlog.With().Str("job", name).Str("os", os))
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a disabled one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// ParseLevel converts a level name to a zerolog.Level. Unknown or empty
// names map to info.
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

func timeLayout(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "kitchen":
		return time.Kitchen
	default:
		return time.RFC3339
	}
}
