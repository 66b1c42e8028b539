// Package logger builds the process slog.Logger from the [log] section.
package logger

import (
	"io"
	"log/slog"

	phuslog "github.com/phuslu/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/caasmo/threatguard/config"
)

const (
	FormatJson = "json"
	FormatText = "text"
)

// Sink is the optional log file behind a logger, plus its level. The zero
// value has no file and ignores SetLevel.
type Sink struct {
	file  *lumberjack.Logger
	level *slog.LevelVar
}

// SetLevel changes the minimum level of the logger built with this sink.
func (s *Sink) SetLevel(l slog.Level) {
	if s.level != nil {
		s.level.Set(l)
	}
}

// Rotate starts a new log file, keeping the old one as a backup.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// New returns a logger writing to w and, when activated, to a rotating
// file. The returned sink must be closed on exit.
func New(cfg config.Log, w io.Writer) (*slog.Logger, *Sink) {
	sink := &Sink{level: new(slog.LevelVar)}
	sink.level.Set(cfg.Level.Level)
	if cfg.File.Activated && cfg.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		w = io.MultiWriter(w, lj)
		sink.file = lj
	}

	opts := &slog.HandlerOptions{Level: sink.level}

	var h slog.Handler
	switch cfg.Format {
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	default:
		h = phuslog.SlogNewJSONHandler(w, opts)
	}
	return slog.New(h), sink
}
