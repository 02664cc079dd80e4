// Package logger wraps zerolog behind the printf-style helpers used across
// the sync engine. Loggers are built once at startup and handed to every
// component that needs one.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const permission = 0o664

// Options controls where and how log lines are written.
type Options struct {
	Level  string // DEBUG, INFO, WARNING, ERROR
	Format string // "text" or "json"
	File   string // optional extra sink, appended to
	Writer io.Writer
}

type Logger struct {
	zl      zerolog.Logger
	logFile *os.File
}

// New builds a logger writing to stderr (or opts.Writer) and, when set, to opts.File.
func New(opts Options) (*Logger, error) {
	var out io.Writer = os.Stderr
	if opts.Writer != nil {
		out = opts.Writer
	}
	if strings.ToLower(opts.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05", NoColor: opts.Writer != nil}
	}

	l := &Logger{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, permission)
		if err != nil {
			return nil, err
		}
		l.logFile = f
		out = zerolog.MultiLevelWriter(out, zerolog.SyncWriter(f))
	}

	l.zl = zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel maps the configured level names onto zerolog levels. Unknown
// names fall back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL", "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger tagged with the component name.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// SetLevel changes the minimum level of this logger.
func (l *Logger) SetLevel(level zerolog.Level) {
	l.zl = l.zl.Level(level)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Debug().Msgf(format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Info().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.zl.Error().Msgf(format, v...)
}

// Close releases the file sink, if any.
func (l *Logger) Close() {
	if l != nil && l.logFile != nil {
		l.logFile.Close()
	}
}
