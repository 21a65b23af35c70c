// Package logctx provides the leveled, colored console logger that this
// proxy's components call through Logger.Log(level, format, args...) and
// its per-level helpers.
package logctx

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level identifies a log severity.
type Level int

const (
	LevelFatal Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelFatal:
		return "FATAL"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "LOG"
	}
}

var levelColor = map[Level]*color.Color{
	LevelFatal: color.New(color.FgRed, color.Bold),
	LevelError: color.New(color.FgRed),
	LevelWarn:  color.New(color.FgYellow),
	LevelInfo:  color.New(color.FgCyan),
	LevelDebug: color.New(color.FgWhite),
}

// Logger is a verbosity-gated leveled logger.
type Logger struct {
	mu        sync.Mutex
	verbosity int
	std       *log.Logger
}

// New returns a Logger writing to stderr, gated at the given verbosity.
// Verbosity 0 logs Fatal/Error/Warn only; 1 adds Info; 2+ adds Debug.
func New(verbosity int) *Logger {
	return &Logger{
		verbosity: verbosity,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) levelEnabled(level Level) bool {
	switch level {
	case LevelFatal, LevelError, LevelWarn:
		return true
	case LevelInfo:
		return l.verbosity >= 1
	case LevelDebug:
		return l.verbosity >= 2
	default:
		return true
	}
}

// Log writes a formatted message at the given level, gated by verbosity.
// The per-level helpers below (Fatal, Error, Warn, Info, Debug), which the
// proxy's components call, all delegate to it.
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	if !l.levelEnabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := levelColor[level]
	prefix := c.Sprintf("[%s]", level.String())
	l.std.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Fatal(format string, args ...interface{}) { l.Log(LevelFatal, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.Log(LevelError, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Debug(format string, args ...interface{}) { l.Log(LevelDebug, format, args...) }

// SetVerbosity updates the gating threshold at runtime.
func (l *Logger) SetVerbosity(v int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbosity = v
}
