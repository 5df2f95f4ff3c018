package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var pid = os.Getpid()

// For picks the JSON or console logger on stderr.
func For(jsonOut, debug bool, tag string) zerolog.Logger {
	if jsonOut {
		return JSON(os.Stderr, debug, tag)
	}
	return New(debug, tag)
}

// New returns a console logger writing to stderr. The tag names the process
// role ("runner", "bot") so interleaved output from parent and child workers
// stays readable.
func New(debug bool, tag string) zerolog.Logger {
	return NewWithWriter(os.Stderr, debug, tag, false)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, debug bool, tag string, noColor bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.0000",
		NoColor:    noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			"pid",
			zerolog.LevelFieldName,
			"s",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"s", "pid"},
	}
	return zerolog.New(output).Level(level).With().
		Str("pid", fmt.Sprintf("%4x", pid)).
		Str("s", tag).
		Timestamp().
		Logger()
}

// JSON returns a structured logger without console formatting, for
// deployments that ship stderr to a log collector.
func JSON(w io.Writer, debug bool, tag string) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().
		Int("pid", pid).
		Str("s", tag).
		Timestamp().
		Logger()
}
