// Package logging builds the charm loggers used by the patcher, the hook
// installer and the CLI. It is configured from the environment:
//
//	SKYHOOK_LOG_LEVEL    debug, info, warn or error (default info)
//	SKYHOOK_LOG_PREFIX   message prefix (default "skyhook ")
//	SKYHOOK_LOG_TO_FILE  "1" writes to skyhook-<timestamp>.log instead of stderr
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
	EnvLevel  = "SKYHOOK_LOG_LEVEL"
	EnvPrefix = "SKYHOOK_LOG_PREFIX"
	EnvToFile = "SKYHOOK_LOG_TO_FILE"
)

// LoggerCloser is a logger that owns its writer.
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

// ParseLevel maps a level name to a charm level; unknown names are info.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter creates a logger writing to w, configured from the
// environment.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           ParseLevel(os.Getenv(EnvLevel)),
	})

	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "skyhook "
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}
	return &LoggerCloser{Logger: lg.WithPrefix(prefix), closer: closer}
}

// NewLogger creates a logger on stderr, or on a timestamped file when
// SKYHOOK_LOG_TO_FILE is "1". It falls back to stderr if the file cannot be
// created.
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)
	if os.Getenv(EnvToFile) == "1" {
		name := fmt.Sprintf("skyhook-%s.log", time.Now().Format("20060102-150405"))
		if f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}
	return NewLoggerWithWriter(output)
}

// IsDebug reports whether SKYHOOK_LOG_LEVEL asks for debug output.
func IsDebug() bool {
	return ParseLevel(os.Getenv(EnvLevel)) == log.DebugLevel
}
