package logging

import "time"

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Format selects how entries are written to the output stream.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// CategoryKey tags every entry with the component that produced it.
const CategoryKey = "devloop.category"
