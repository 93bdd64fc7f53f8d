package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs the service logger. Development mode switches to a
// human-readable console writer and debug level.
func New(development bool) zerolog.Logger {
	return newLogger(os.Stdout, development)
}

func newLogger(out io.Writer, development bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if development {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
