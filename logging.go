package zsock

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger writes warnings and errors to stderr
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Logger()
}

// NewLogger returns a console logger at the given level name ("debug",
// "info", "warn", "error"). Unknown names fall back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
