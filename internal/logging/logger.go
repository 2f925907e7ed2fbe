// Package logging builds the charmbracelet/log logger used to trace
// exploration. It is configured through environment variables.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
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

// ParseLevel maps FLOWDIS_LOG_LEVEL values onto log levels.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
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
		Level:           ParseLevel(os.Getenv("FLOWDIS_LOG_LEVEL")),
	})

	prefix := os.Getenv("FLOWDIS_LOG_PREFIX")
	if prefix == "" {
		prefix = "flowdis"
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a new logger based on environment variables
// FLOWDIS_LOG_LEVEL: debug, info, warn, error (default: info)
// FLOWDIS_LOG_PREFIX: prefix for log messages (default: "flowdis")
// FLOWDIS_LOG_TO_FILE: when set to "1", logs to a timestamped file instead of stderr
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv("FLOWDIS_LOG_TO_FILE") == "1" {
		logFile := fmt.Sprintf("flowdis-%s-debug.log", time.Now().Format("20060102-150405"))
		// Fall back to stderr when the file cannot be created.
		if f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}

	return NewLoggerWithWriter(output)
}

// NewTracer returns the exploration tracer. With trace set it logs at
// debug level regardless of FLOWDIS_LOG_LEVEL.
func NewTracer(trace bool) *LoggerCloser {
	lc := NewLogger()
	if trace {
		lc.SetLevel(log.DebugLevel)
	}
	return lc
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return strings.EqualFold(os.Getenv("FLOWDIS_LOG_LEVEL"), "debug")
}
