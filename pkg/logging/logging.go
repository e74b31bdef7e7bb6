// Package logging builds the zerolog logger shared by the listener and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, format and destination.
type Config struct {
	Level      string `yaml:"level" json:"level"`             // trace..panic, default info
	Format     string `yaml:"format" json:"format"`           // console or json
	Output     string `yaml:"output" json:"output"`           // stdout, stderr or file
	FilePath   string `yaml:"file_path" json:"file_path"`     // used when Output is file
	TimeFormat string `yaml:"time_format" json:"time_format"` // rfc3339, unix or iso8601
}

// DefaultConfig logs info and above to stderr in console format, so
// command output on stdout stays clean.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Output: "stderr", TimeFormat: "rfc3339"}
}

// New returns a logger for cfg. The returned closer releases the log file,
// if one was opened; it is never nil.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var nop io.Closer = nopCloser{}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nop, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var (
		out    io.Writer
		closer = nop
	)
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		out = os.Stdout
	case "file":
		if cfg.FilePath == "" {
			return zerolog.Nop(), nop, fmt.Errorf("log output is file but file_path is empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return zerolog.Nop(), nop, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nop, fmt.Errorf("open log file %q: %w", cfg.FilePath, err)
		}
		out, closer = f, f
	default:
		out = os.Stderr
	}

	return newLogger(out, cfg.Format, cfg.TimeFormat, level), closer, nil
}

// NewWithWriter builds a logger on w with RFC 3339 timestamps. Tests use it
// with a buffer.
func NewWithWriter(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	return newLogger(w, format, "rfc3339", level)
}

func newLogger(w io.Writer, format, timeFormat string, level zerolog.Level) zerolog.Logger {
	if strings.ToLower(format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).Hook(timestampHook(strings.ToLower(timeFormat)))
}

// timestampHook stamps each event in its own layout, so loggers with
// different time formats can coexist. zerolog.TimeFieldFormat is never
// touched.
type timestampHook string

func (h timestampHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	now := time.Now()
	switch h {
	case "unix":
		e.Int64(zerolog.TimestampFieldName, now.Unix())
	case "iso8601":
		e.Str(zerolog.TimestampFieldName, now.Format("2006-01-02T15:04:05.000Z07:00"))
	default:
		e.Str(zerolog.TimestampFieldName, now.Format(time.RFC3339))
	}
}

// Component tags every event from l with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
