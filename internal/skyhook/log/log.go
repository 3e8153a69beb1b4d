// Package log wires the process-wide loggers of the skyhook command: a charm
// logger for the patch pipeline and the slog default handler on top of it.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"

	"skyhook/internal/logging"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
	logger      *logging.LoggerCloser
)

// Setup configures logging once. debug overrides SKYHOOK_LOG_LEVEL and adds
// caller information. Later calls return the logger built by the first one.
func Setup(w io.Writer, debug bool) *charmlog.Logger {
	initOnce.Do(func() {
		logger = logging.NewLoggerWithWriter(w)
		if debug {
			logger.SetLevel(charmlog.DebugLevel)
			logger.SetReportCaller(true)
		}
		slog.SetDefault(slog.New(logger.Logger))
		initialized.Store(true)
	})
	return logger.Logger
}

func Initialized() bool {
	return initialized.Load()
}

// Close flushes and closes the log file, if logging goes to one.
func Close() error {
	if !Initialized() {
		return nil
	}
	return logger.Close()
}

// RecoverPanic logs a panic with its stack and runs cleanup. It must be
// deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
