package protocol

import (
	"strconv"
	"time"
)

type ServerDesc struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
}

type ServersPayload struct {
	Servers []ServerDesc `json:"servers"`
}

// DebounceConfig is the coalescing strategy and window reported with Watching.
type DebounceConfig struct {
	Kind string `json:"kind"`
	Ms   string `json:"ms"`
}

const DebounceTrailing = "trailing"

func TrailingDebounce(window time.Duration) DebounceConfig {
	return DebounceConfig{Kind: DebounceTrailing, Ms: strconv.FormatInt(window.Milliseconds(), 10)}
}

func (config DebounceConfig) String() string {
	return config.Kind + ":" + config.Ms + "ms"
}

type WatchingPayload struct {
	Paths    []string       `json:"paths"`
	Debounce DebounceConfig `json:"debounce"`
}

type WatchingStoppedPayload struct {
	Paths []string `json:"paths"`
}

type FileChangedPayload struct {
	Path string `json:"path"`
}

type FilesChangedPayload struct {
	Paths   []string   `json:"paths"`
	Changes *ChangeSet `json:"changes,omitempty"`
}

type InputAcceptedPayload struct {
	Path string `json:"path"`
}

type InputErrorPayload struct {
	Variant string `json:"variant"`
	Message string `json:"message"`
}

type Stream string

const (
	StreamStdout Stream = "Stdout"
	StreamStderr Stream = "Stderr"
)

type LineBody struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
	Prefix string `json:"prefix,omitempty"`
}

// OutputLine serializes as {"kind":"Stdout"|"Stderr","payload":{...}}.
type OutputLine struct {
	Stream Stream   `json:"kind"`
	Body   LineBody `json:"payload"`
}

type TaskReportPayload struct {
	ID           string              `json:"id"`
	InvocationID string              `json:"invocation_id,omitempty"`
	Label        string              `json:"label,omitempty"`
	State        string              `json:"state"`
	ExitCode     *int                `json:"exit_code,omitempty"`
	Error        string              `json:"error,omitempty"`
	DurationMs   int64               `json:"duration_ms,omitempty"`
	Children     []TaskReportPayload `json:"children,omitempty"`
}

type ClientConfigPayload struct {
	LogLevel string `json:"log_level"`
}

func newEnvelope(level Level, kind Kind, payload any) Envelope {
	return Envelope{Level: level, Kind: kind, Payload: payload, At: time.Now().UTC()}
}

func NewServersStarted(servers []ServerDesc) Envelope {
	return newEnvelope(LevelExternal, KindServersStarted, ServersPayload{Servers: servers})
}

// NewServersChanged is internal-only: status trackers use it to follow server state.
func NewServersChanged(servers []ServerDesc) Envelope {
	return newEnvelope(LevelInternal, KindServersChanged, ServersPayload{Servers: servers})
}

func NewWatching(paths []string, debounce DebounceConfig) Envelope {
	return newEnvelope(LevelExternal, KindWatching, WatchingPayload{Paths: paths, Debounce: debounce})
}

func NewWatchingStopped(paths []string) Envelope {
	return newEnvelope(LevelExternal, KindWatchingStopped, WatchingStoppedPayload{Paths: paths})
}

func NewFileChanged(path string) Envelope {
	return newEnvelope(LevelExternal, KindFileChanged, FileChangedPayload{Path: path})
}

func NewFilesChanged(changes ChangeSet) Envelope {
	copied := changes
	return newEnvelope(LevelExternal, KindFilesChanged, FilesChangedPayload{
		Paths:   changes.Paths(),
		Changes: &copied,
	})
}

func NewInputAccepted(path string) Envelope {
	return newEnvelope(LevelExternal, KindInputAccepted, InputAcceptedPayload{Path: path})
}

func NewInputError(variant, message string) Envelope {
	return newEnvelope(LevelExternal, KindInputError, InputErrorPayload{Variant: variant, Message: message})
}

func NewStartupFailed(variant, message string) Envelope {
	return newEnvelope(LevelExternal, KindStartupFailed, InputErrorPayload{Variant: variant, Message: message})
}

func NewOutputLine(stream Stream, taskID, line, prefix string) Envelope {
	return newEnvelope(LevelExternal, KindOutputLine, OutputLine{
		Stream: stream,
		Body:   LineBody{TaskID: taskID, Line: line, Prefix: prefix},
	})
}

func NewTaskReport(report TaskReportPayload) Envelope {
	return newEnvelope(LevelExternal, KindTaskReport, report)
}

func NewChange(changes ChangeSet) Envelope {
	return newEnvelope(LevelExternal, KindChange, changes)
}

func NewClientConfig(logLevel string) Envelope {
	return newEnvelope(LevelInternal, KindClientConfig, ClientConfigPayload{LogLevel: logLevel})
}
