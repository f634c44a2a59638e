// Package logger wires up the daemon's own operational logging: a colorized
// console handler for interactive use, and a rotated file sink for procwatchd's
// own log (startup, registry mutations, supervisor transitions, installer
// activity). Per-program output is handled separately by internal/logmgr, which
// needs copy-truncate rotation rather than lumberjack's rename-based scheme.
package logger

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the daemon log.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where and how the daemon's own log is written.
type Config struct {
	FilePath   string // path to the daemon's log file; empty disables file logging
	Level      slog.Level
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // gzip rotated files
	Console    bool // also emit colorized output to stderr
}

// New builds the daemon's root slog.Logger per Config. The returned io.Closer
// (nil if FilePath is empty) must be closed on shutdown to flush the rotator.
func New(cfg Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handlers []slog.Handler
	var closer io.Closer

	if cfg.FilePath != "" {
		rotator := &lj.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		handlers = append(handlers, slog.NewTextHandler(rotator, opts))
		closer = rotator
	}

	if cfg.Console || cfg.FilePath == "" {
		handlers = append(handlers, NewColorTextHandler(os.Stderr, opts, true))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &fanoutHandler{handlers: handlers}
	}

	return slog.New(handler), closer
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
