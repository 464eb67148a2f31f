package connpool

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/maximhq/connpool/schemas"
	"github.com/rs/zerolog"
)

// DefaultLogger implements schemas.Logger on top of zerolog. It is used when
// no logger is provided in the ManagerConfig.
type DefaultLogger struct {
	mu     sync.RWMutex
	out    io.Writer
	logger zerolog.Logger
}

// NewDefaultLogger creates a JSON logger writing to stderr at the given level.
func NewDefaultLogger(level schemas.LogLevel) *DefaultLogger {
	return newDefaultLogger(os.Stderr, level)
}

func newDefaultLogger(out io.Writer, level schemas.LogLevel) *DefaultLogger {
	return &DefaultLogger{
		out:    out,
		logger: zerolog.New(out).With().Timestamp().Str("component", "connpool").Logger().Level(zerologLevel(level)),
	}
}

func zerologLevel(level schemas.LogLevel) zerolog.Level {
	switch level {
	case schemas.LogLevelDebug:
		return zerolog.DebugLevel
	case schemas.LogLevelWarn:
		return zerolog.WarnLevel
	case schemas.LogLevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

func (l *DefaultLogger) get() *zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	logger := l.logger
	return &logger
}

func (l *DefaultLogger) Debug(msg string, args ...any) { l.get().Debug().Msgf(msg, args...) }
func (l *DefaultLogger) Info(msg string, args ...any)  { l.get().Info().Msgf(msg, args...) }
func (l *DefaultLogger) Warn(msg string, args ...any)  { l.get().Warn().Msgf(msg, args...) }
func (l *DefaultLogger) Error(msg string, args ...any) { l.get().Error().Msgf(msg, args...) }

// Fatal logs and exits the process.
func (l *DefaultLogger) Fatal(msg string, args ...any) { l.get().Fatal().Msgf(msg, args...) }

// SetLevel changes the minimum level that is written.
func (l *DefaultLogger) SetLevel(level schemas.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = l.logger.Level(zerologLevel(level))
}

// SetOutputType switches between JSON records and human-readable console output.
func (l *DefaultLogger) SetOutputType(outputType schemas.LoggerOutputType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch outputType {
	case schemas.LoggerOutputTypePretty:
		l.logger = l.logger.Output(zerolog.ConsoleWriter{Out: l.out, TimeFormat: time.RFC3339})
	default:
		l.logger = l.logger.Output(l.out)
	}
}
