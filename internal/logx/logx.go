// Package logx bootstraps the process-wide zerolog logger, following the
// pattern in cmd/cryptorun/main.go: RFC3339 timestamps, a console writer
// for interactive TTY use, JSON otherwise.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Init configures the global zerolog logger. Call once from main.
func Init(out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339

	if out == nil {
		out = os.Stderr
	}

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// For returns a child logger tagged with the given component name, the
// idiom used throughout the core instead of passing *zerolog.Logger
// positionally.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
