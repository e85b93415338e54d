// Package hostlog is the host's own thin wrapper over the standard logger.
//
// It exists because the daemon has no third-party structured-logging
// dependency: every subsystem calls Log/Logf/Warn/Warnf instead of writing to
// stderr directly, so verbosity and destination stay centrally controlled.
package hostlog

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	logger  = log.New(os.Stderr, "", log.LstdFlags)
	verbose atomic.Bool
)

// SetVerbose toggles whether Logf-level detail is emitted.
func SetVerbose(v bool) { verbose.Store(v) }

// Verbose reports the current verbosity setting.
func Verbose() bool { return verbose.Load() }

// Log writes msg unconditionally.
func Log(msg string) { logger.Print(msg) }

// Logf writes a formatted message, but only when verbose logging is enabled.
func Logf(format string, args ...any) {
	if verbose.Load() {
		logger.Printf(format, args...)
	}
}

// Warn writes msg prefixed as a warning, unconditionally.
func Warn(msg string) { logger.Print("WARN: " + msg) }

// Warnf writes a formatted warning, unconditionally.
func Warnf(format string, args ...any) { logger.Printf("WARN: "+format, args...) }

// Errorf writes a formatted error, unconditionally.
func Errorf(format string, args ...any) { logger.Printf("ERROR: "+format, args...) }
