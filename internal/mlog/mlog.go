// Package mlog is the logging setup shared by the runner and CLI: a
// logrus logger with stream-split output, adapted from common/logging.go's
// OutputSplitter.
package mlog

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes error-level log lines to stderr and everything
// else to stdout, so orchestrators and shell pipelines can treat the two
// streams differently.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Logger with OutputSplitter output and the given
// verbosity ("warn", "info", or "debug"; anything else falls back to
// info), matching the CLI's verbosity option in spec.md §6.
func New(verbosity string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(OutputSplitter{})
	l.SetLevel(levelFor(verbosity))
	return l
}

func levelFor(verbosity string) logrus.Level {
	switch verbosity {
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Timed runs fn, logging its start, duration, and outcome under the given
// operation name, adapted from common/logger.go's LogOperation.
func Timed(entry *logrus.Entry, operation string, fn func() error) error {
	start := time.Now()
	entry.WithField("operation", operation).Info("operation started")

	err := fn()

	result := entry.WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		result.WithError(err).Error("operation failed")
		return err
	}
	result.Info("operation completed")
	return nil
}

// MaskSecret shows only the first and last 4 characters of a secret, for
// safe logging of credential-bearing config values, adapted from
// common/utils.go's MaskSecret.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
