// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Supported output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the minimum level and the output format.
type Config struct {
	Level  string
	Format string
}

// New returns a logger writing to stdout.
func New(cfg Config) (zerolog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter returns a logger writing to w. Unknown levels and formats
// are reported as errors rather than silently defaulted.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// ParseLevel maps a level name to a zerolog level; empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", name, err)
	}
	return level, nil
}
