package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

type Options struct {
	Output     io.Writer
	MinLevel   Level
	Format     Format
	BufferSize int
}

type Logger struct {
	buffer      *LogBuffer
	sink        *outputSink
	minLevel    Level
	format      Format
	baseContext map[string]string
}

// outputSink serializes writes so concurrent components never interleave a line.
type outputSink struct {
	mu     sync.Mutex
	writer io.Writer
}

func (s *outputSink) writeLine(line string) {
	if s == nil || s.writer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.writer, line+"\n")
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stderr)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		buffer:   buffer,
		sink:     &outputSink{writer: output},
		minLevel: normalizeLevel(minLevel),
		format:   FormatText,
	}
}

func New(options Options) *Logger {
	size := options.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	logger := NewLoggerWithOutput(NewLogBuffer(size), options.MinLevel, options.Output)
	if options.Format == FormatJSON {
		logger.format = FormatJSON
	}
	return logger
}

// Discard returns a logger that keeps entries in memory only.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(DefaultBufferSize), LevelInfo, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		buffer:      l.buffer,
		sink:        l.sink,
		minLevel:    l.minLevel,
		format:      l.format,
		baseContext: cloneFields(l.baseContext, fields),
	}
}

// Component scopes the logger to a named subsystem.
func (l *Logger) Component(name string) *Logger {
	return l.With(map[string]string{CategoryKey: name})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil || !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   cloneFields(l.baseContext, fields),
	}
	if l.buffer != nil {
		l.buffer.Add(entry)
	}
	if l.format == FormatJSON {
		l.sink.writeLine(formatJSON(entry))
		return
	}
	l.sink.writeLine(formatEntry(entry))
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

func formatEntry(entry LogEntry) string {
	builder := strings.Builder{}
	builder.WriteString(entry.Timestamp.Format(time.RFC3339))
	builder.WriteString(" level=")
	builder.WriteString(string(entry.Level))
	builder.WriteString(" msg=")
	builder.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf(" %s=%s", key, strconv.Quote(entry.Context[key])))
	}
	return builder.String()
}

func formatJSON(entry LogEntry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		return formatEntry(entry)
	}
	return string(data)
}
