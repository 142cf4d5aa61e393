package livereload

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// LogLevel orders client diagnostics: Trace < Debug < Info < Error.
type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelError
)

func (level LogLevel) String() string {
	switch level {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func ParseLogLevel(value string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Allows reports whether a message at level passes a filter set to min.
func Allows(min, level LogLevel) bool {
	return level >= min
}

// ConsoleLogger is the client-side diagnostic sink, filtered by a level the server can change.
type ConsoleLogger struct {
	mu  sync.Mutex
	min LogLevel
	out io.Writer
}

func NewConsoleLogger(out io.Writer, min LogLevel) *ConsoleLogger {
	if out == nil {
		out = io.Discard
	}
	return &ConsoleLogger{out: out, min: min}
}

func (console *ConsoleLogger) SetLevel(level LogLevel) {
	console.mu.Lock()
	console.min = level
	console.mu.Unlock()
}

func (console *ConsoleLogger) Level() LogLevel {
	console.mu.Lock()
	defer console.mu.Unlock()
	return console.min
}

func (console *ConsoleLogger) Log(level LogLevel, format string, args ...any) {
	if console == nil {
		return
	}
	console.mu.Lock()
	defer console.mu.Unlock()
	if !Allows(console.min, level) {
		return
	}
	fmt.Fprintf(console.out, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}
