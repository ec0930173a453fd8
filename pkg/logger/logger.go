// Package logger provides a small leveled logger shared by all realtime
// packages.
//
// It intentionally wraps the standard library logger: callers that embed this
// module can redirect or silence output with SetOutput without pulling in a
// logging framework.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the verbosity threshold used by the logger.
//
// Lower values are more verbose.
type Level int

const (
	// LevelTrace enables extremely verbose logs (wire events, FSM inputs, etc).
	LevelTrace Level = iota
	// LevelDebug enables verbose logs intended for debugging.
	LevelDebug
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

var (
	mu    sync.RWMutex
	level = LevelInfo
	out   = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out.SetOutput(w)
}

// SetFlags sets the underlying log flags used for all output.
func SetFlags(flags int) {
	mu.Lock()
	defer mu.Unlock()
	out.SetFlags(flags)
}

// SetLevel sets the global log level threshold.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// Enabled reports whether a level would be emitted by the current configuration.
func Enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

func emit(l Level, tag string, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	out.Printf(tag+" "+format, args...)
}

// Tracef logs at TRACE level.
func Tracef(format string, args ...any) {
	emit(LevelTrace, "TRACE", format, args...)
}

// Debugf logs at DEBUG level.
func Debugf(format string, args ...any) {
	emit(LevelDebug, "DEBUG", format, args...)
}

// Infof logs at INFO level.
func Infof(format string, args ...any) {
	emit(LevelInfo, "INFO", format, args...)
}

// Warnf logs at WARN level.
func Warnf(format string, args ...any) {
	emit(LevelWarn, "WARN", format, args...)
}

// Errorf logs at ERROR level.
func Errorf(format string, args ...any) {
	emit(LevelError, "ERROR", format, args...)
}
