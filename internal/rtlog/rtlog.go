// Package rtlog provides the runtime's structured logging surface: a thin
// wrapper around zerolog.Logger with a swappable process-wide base logger.
//
// Grounded on eventloop/logging.go's global-logger pattern (a package-level
// logger guarded against concurrent replacement, with SetStructuredLogger /
// getGlobalLogger accessors) and on the log-call shape of
// original_source/burger/net/Processor.cc and Scheduler.cc (TRACE/DEBUG/
// WARN/ERROR/CRITICAL calls tagged with a component and pointer/thread
// identity) — realized here with zerolog's own Trace/Debug/Warn/Error
// levels and structured fields instead of positional fmt-style messages.
package rtlog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
	base.Store(&l)
}

// SetLogger replaces the process-wide base logger. Every component logger
// obtained via For before or after this call reflects the replacement,
// because For always reads the current base.
func SetLogger(l zerolog.Logger) {
	base.Store(&l)
}

// For returns a child logger tagged with component, e.g. "processor",
// "scheduler", "tcp.server".
func For(component string) zerolog.Logger {
	return base.Load().With().Str("component", component).Logger()
}
