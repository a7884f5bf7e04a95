package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// zerologAdapter adapts a zerolog.Logger to the core Logger interface. Every
// entry carries the component it originated from, so planner, executor and
// job output can be told apart in one stream.
type zerologAdapter struct {
	z zerolog.Logger
}

// NewZerologLogger builds a component-scoped logger. Output is JSON by
// default; APP_ENV=dev switches to the human-readable console writer. The
// minimum level comes from PS_LOG_LEVEL (debug, info, warn, error) and
// defaults to info, keeping per-rule planning dumps out of production logs.
func NewZerologLogger(component string) Logger {
	return newZerolog(component, os.Stdout)
}

func newZerolog(component string, out io.Writer) Logger {
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(out).
		Level(levelFromEnv()).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &zerologAdapter{z: z}
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(os.Getenv("PS_LOG_LEVEL")) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zerologAdapter) Debugf(format string, args ...any) {
	l.z.Debug().Msgf(format, args...)
}

func (l *zerologAdapter) Debugw(msg string, fields map[string]any) {
	l.z.Debug().Fields(fields).Msg(msg)
}

func (l *zerologAdapter) Infof(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

func (l *zerologAdapter) Warnf(format string, args ...any) {
	l.z.Warn().Msgf(format, args...)
}

func (l *zerologAdapter) Errorf(format string, args ...any) {
	l.z.Error().Msgf(format, args...)
}
