package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// Config describes the supervisor's own diagnostic log. Service output never
// goes through it: children write to plain append-mode files that must stay
// valid after the supervisor exits.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format     string `mapstructure:"format"` // text, json or color (default text)
	File       string `mapstructure:"file"`   // also write to this rotating file when set
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to w in the configured format and, when File is
// set, to a rotating file in JSON. The returned closer releases the file; it
// is never nil.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handlers []slog.Handler
	if w != nil {
		switch strings.ToLower(cfg.Format) {
		case "", FormatText:
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		case FormatJSON:
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		case FormatColor:
			handlers = append(handlers, NewColorTextHandler(w, opts, true))
		default:
			return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
		}
	}

	var closer io.Closer = nopCloser{}
	if fw := cfg.Writer(); fw != nil {
		handlers = append(handlers, slog.NewJSONHandler(fw, opts))
		closer = fw
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, opts)), closer, nil
	case 1:
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// Writer returns a rotating writer for File, or nil when File is empty.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
