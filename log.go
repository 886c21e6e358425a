package wampio

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggerFunc is the signature of log hook functions.
// s is a related session, or nil if none apply to the error.
type LoggerFunc func(s *Session, err error, msg string)

var (
	// ErrorLogger is called when a session fails to read or write its
	// connection
	ErrorLogger LoggerFunc = DefaultLoggerFunc

	// CallbackErrorLogger is called when a user callback panics
	CallbackErrorLogger LoggerFunc = DefaultLoggerFunc
)

// DefaultLoggerFunc reports through the session's zerolog logger, or the
// package fallback logger when s is nil.
func DefaultLoggerFunc(s *Session, err error, msg string) {
	l := &fallbackLogger
	if s != nil {
		l = &s.log
	}
	l.Error().Err(err).Msg(msg)
}

var fallbackLogger = NewLogger(LogConfig{Level: "info", Console: true})

// LogConfig selects the level and output format of the kernel logger
type LogConfig struct {
	Level   string `toml:"level" yaml:"level"`
	Console bool   `toml:"console" yaml:"console"`
	NoColor bool   `toml:"no_color" yaml:"no_color"`

	// Output defaults to os.Stderr
	Output io.Writer `toml:"-" yaml:"-"`
}

// NewLogger builds a zerolog logger. WAMPIO_LOG_LEVEL overrides cfg.Level.
func NewLogger(cfg LogConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}
	level := cfg.Level
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		level = v
	}
	return zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
