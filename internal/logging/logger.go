// Package logging wires the process-wide zerolog logger, replacing the
// teacher's plain log.Printf call sites with structured, leveled output
// while keeping the same "one line per lifecycle event" density.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger: pretty console output when pretty is
// set, plain JSON lines on stdout otherwise (matches how the teacher's
// operators run the binary under systemd and tail journald).
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component field, used
// the way the teacher tagged its log.Printf lines with a worker name
// prefix ("<Name> SOC worker started").
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
