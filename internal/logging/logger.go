// Package logging builds the charm loggers used by the monitor and its
// backends. Configuration comes from the environment:
//
//	DOIT_LOG_LEVEL   debug, info, warn, error (default: info)
//	DOIT_LOG_PREFIX  message prefix (default: "doit ")
//	DOIT_LOG_TO_FILE "1" writes to doit-<timestamp>-debug.log instead of stderr
//
// Logs never go to stdout, which belongs to the target program.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	envLevel  = "DOIT_LOG_LEVEL"
	envPrefix = "DOIT_LOG_PREFIX"
	envToFile = "DOIT_LOG_TO_FILE"
)

// LoggerCloser wraps a logger and provides a Close method for cleanup
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// Level parses a level name, falling back to info.
func Level(name string) log.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter creates a new logger with the provided writer
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           Level(os.Getenv(envLevel)),
	})

	prefix := os.Getenv(envPrefix)
	if prefix == "" {
		prefix = "doit "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a logger configured from the environment.
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv(envToFile) == "1" {
		logFile := fmt.Sprintf("doit-%s-debug.log", time.Now().Format("20060102-150405"))
		// Fall back to stderr if the file cannot be created.
		if f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}

	return NewLoggerWithWriter(output)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return Level(os.Getenv(envLevel)) == log.DebugLevel
}
