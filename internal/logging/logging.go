package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process root logger. Unknown levels fall back to info so a
// typo in AVOCADO_LOG_LEVEL never silences the service.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// Component tags a child logger with the subsystem it belongs to.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Nop discards everything. Used by tests and as a safe zero-ish default.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
