// Package logging builds the agent's structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json | text
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Logger is a slog.Logger whose level can change after construction.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New returns a logger writing to stdout and, when cfg.File is set, to a
// size-rotated file.
func New(cfg Config) (*Logger, error) {
	return newWithStdout(cfg, os.Stdout)
}

func newWithStdout(cfg Config, stdout io.Writer) (*Logger, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	var out io.Writer = stdout
	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  positive(cfg.MaxSizeMB, 10),
			MaxAge:   positive(cfg.MaxAgeDays, 30),
			Compress: true,
		}
		out = io.MultiWriter(stdout, rotating)
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{
		Logger: slog.New(handler).With("service", "pdvsync-agent"),
		level:  level,
		closer: closer,
	}, nil
}

// SetLevel changes the minimum level of every record emitted afterwards.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a level name to its slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
