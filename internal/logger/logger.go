// Package logger provides structured logging configuration using log/slog.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Output destinations.
const (
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both"
)

// Config holds logger configuration.
type Config struct {
	Level  slog.Level
	Format string // "text" or "json"
	Output string // "stderr", "file" or "both"

	// Leveler overrides Level when set, so the level can change at runtime.
	Leveler slog.Leveler

	// File rotation, used when Output includes the file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger creates a configured slog.Logger.
// The returned closer releases the log file; it is a no-op for stderr.
func NewLogger(cfg Config) (*slog.Logger, io.Closer) {
	var level slog.Leveler = cfg.Level
	if cfg.Leveler != nil {
		level = cfg.Leveler
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add a source location for debug and error levels
		AddSource: level.Level() <= slog.LevelDebug,
	}

	w, closer := writer(cfg)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer
}

func writer(cfg Config) (io.Writer, io.Closer) {
	if cfg.Output != OutputFile && cfg.Output != OutputBoth || cfg.File == "" {
		return os.Stderr, nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if cfg.Output == OutputBoth {
		return io.MultiWriter(os.Stderr, file), file
	}
	return file, file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel converts a level name to a slog.Level.
// Valid values: DEBUG, INFO, WARN, WARNING, ERROR (case-insensitive).
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// DefaultConfig returns the default logger configuration.
// Parses the STAGEAUDIO_LOG_LEVEL environment variable to set the log level.
// Default: INFO
func DefaultConfig() Config {
	level := slog.LevelInfo
	if envLevel := os.Getenv("STAGEAUDIO_LOG_LEVEL"); envLevel != "" {
		if parsed, err := ParseLevel(envLevel); err == nil {
			level = parsed
		}
	}

	return Config{
		Level:  level,
		Format: "text",
		Output: OutputStderr,
	}
}
