// ABOUTME: Process-wide log setup for the loopstream commands
// ABOUTME: Sends the standard logger to a file, and to stdout as well unless a TUI owns the terminal
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Setup points the standard logger at path. With toStdout the log is
// mirrored to stdout; in TUI mode it goes only to the file. The returned
// closer must be closed on exit.
func Setup(path string, toStdout bool) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	if toStdout {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		log.SetOutput(f)
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	return f, nil
}

// Debugf logs only when debug output is enabled
type Debugf func(format string, args ...any)

// NewDebugf returns a logger that prefixes [DEBUG] when enabled and does
// nothing otherwise
func NewDebugf(enabled bool) Debugf {
	if !enabled {
		return func(string, ...any) {}
	}
	return func(format string, args ...any) {
		log.Printf("[DEBUG] "+format, args...)
	}
}
