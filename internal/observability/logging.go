package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}

// NewLogger returns a JSON logger tagged with component. VAULT_LOG_LEVEL
// picks the level (default info); VAULT_LOG_FORMAT=console prints
// human-readable lines for local runs.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, LevelFromEnv())
}

// NewLoggerWithLevel builds a component logger at an explicit level. Debug
// loggers also record the call site.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	ctx := zerolog.New(output()).Level(level).With().Timestamp().Str("component", component)
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// LevelFromEnv parses VAULT_LOG_LEVEL; unknown or empty values mean info.
func LevelFromEnv() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("VAULT_LOG_LEVEL"))))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func output() io.Writer {
	if os.Getenv("VAULT_LOG_FORMAT") == "console" {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}
