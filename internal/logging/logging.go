// Package logging builds the leveled, structured loggers used across pagepilot.
// Components receive a *log.Logger and derive prefixed children from it.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options controls the root logger.
type Options struct {
	Level      string
	TimeFormat string
	Output     io.Writer
}

// New returns a root logger writing to opts.Output (stderr when nil).
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = "15:04:05"
	}
	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      opts.TimeFormat,
	})
	logger.SetLevel(ParseLevel(opts.Level))
	return logger
}

// ParseLevel maps a config string onto a level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Nop returns a logger that drops everything.
func Nop() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// OpenFile opens path for appending. When it fails the caller should fall back
// to Nop: in stdio mode stderr belongs to the protocol.
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
