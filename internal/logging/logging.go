// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger writing to w. FormatAuto picks the console writer when w is a terminal.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: failed to parse log level of %s: %w", level, err)
	}

	switch format {
	case "", FormatAuto:
		if isTerminal(w) {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminal(w)}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Stack().Timestamp().Logger(), nil
}

// Init installs a stderr logger as the global log.Logger and returns it.
func Init(level, format string) (zerolog.Logger, error) {
	logger, err := New(os.Stderr, level, format)
	if err != nil {
		return logger, err
	}
	log.Logger = logger
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
