// Package logging builds the process logger: logrus with an optional
// size-rotated file mirrored to stdout.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes log output.
type Config struct {
	Level      string // debug, info, warn, error
	JSON       bool
	File       string // empty or "-" disables file output
	MaxSizeMB  int    // rotate after this many megabytes (default 300)
	MaxBackups int    // rotated files kept (default 7)
	MaxAgeDays int    // days a rotated file is kept (default 14)
	Compress   bool
	Quiet      bool // do not mirror to stdout
}

// New returns a configured logger and a closer for the rotating file.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(firstNonEmpty(cfg.Level, "info"))
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(level)

	if cfg.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	var closer io.Closer = nopCloser{}
	var outputs []io.Writer
	if !cfg.Quiet {
		outputs = append(outputs, os.Stdout)
	}
	target := strings.TrimSpace(cfg.File)
	if target != "" && target != "-" {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   target,
			MaxSize:    positiveOr(cfg.MaxSizeMB, 300),
			MaxBackups: positiveOr(cfg.MaxBackups, 7),
			MaxAge:     positiveOr(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		}
		outputs = append(outputs, rotator)
		closer = rotator
	}
	switch len(outputs) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(outputs[0])
	default:
		logger.SetOutput(io.MultiWriter(outputs...))
	}
	return logger, closer, nil
}

// Component tags entries from one subsystem.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Discard returns an entry that drops everything. Packages use it when no
// logger is configured.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// OrDiscard returns entry, or a discarding entry when entry is nil.
func OrDiscard(entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		return Discard()
	}
	return entry
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
