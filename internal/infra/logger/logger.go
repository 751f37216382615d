package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin leveled facade over zerolog so the rest of the codebase
// doesn't depend on a particular logging library.
type Logger struct {
	zl zerolog.Logger
}

func New(level, filePath string, includeStdout bool) (*Logger, error) {
	var writers []io.Writer

	if includeStdout {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.DateTime,
		})
	}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}

	var out io.Writer = io.Discard
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
	return &Logger{zl: zl}, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(lvl) {
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

func (l *Logger) Debug(f string, v ...any) { l.zl.Debug().Msgf(f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.zl.Info().Msgf(f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.zl.Warn().Msgf(f, v...) }
func (l *Logger) Error(f string, v ...any) { l.zl.Error().Msgf(f, v...) }

// Write lets libraries that expect an io.Writer (echo's request logger,
// net/http error logs) feed into the structured logger.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
