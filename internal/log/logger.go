// Package log provides a global logger with configurable logging level. Components obtain a named
// Logger so that lines emitted by concurrently running device actors can be told apart.

package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally, such as link loss.
	LevelInfo                 // Logs major events such as state transitions.
	LevelDebug                // Logs detailed IO
)

var (
	globalLogLevel Level
	output         io.Writer = os.Stderr
	logMutex       sync.Mutex
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

// ParseLevel converts a level name ("none", "error", "warning", "info" or "debug") into a Level.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "none", "":
		return LevelNone, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelNone, fmt.Errorf("unrecognized log level '%s'", name)
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log lines. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func Enabled(level Level) bool {
	logMutex.Lock()
	defer logMutex.Unlock()
	return level <= globalLogLevel
}

func log(level Level, prefix string, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	msg += prefix
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, "", format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, "", format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, "", format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, "", format, a...)
}

// Logger prefixes every line with a component name.
type Logger struct {
	prefix string
}

// Named returns a Logger for component. Loggers share the global level and output.
func Named(component string) *Logger {
	return &Logger{prefix: component + ": "}
}

// With returns a child logger that appends name to the prefix, e.g. "dji-device[AA:BB]: ".
func (l *Logger) With(name string) *Logger {
	if len(l.prefix) < 2 {
		return &Logger{prefix: "[" + name + "]: "}
	}
	return &Logger{prefix: l.prefix[:len(l.prefix)-2] + "[" + name + "]: "}
}

func (l *Logger) Debug(format string, a ...interface{}) {
	log(LevelDebug, l.prefix, format, a...)
}
func (l *Logger) Info(format string, a ...interface{}) {
	log(LevelInfo, l.prefix, format, a...)
}
func (l *Logger) Warning(format string, a ...interface{}) {
	log(LevelWarning, l.prefix, format, a...)
}
func (l *Logger) Error(format string, a ...interface{}) {
	log(LevelError, l.prefix, format, a...)
}
