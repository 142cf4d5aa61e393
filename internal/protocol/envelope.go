// Package protocol defines the event envelope shared by every producer and consumer.
//
// An Envelope's Kind selects exactly one payload type. The set of kinds is closed;
// Decode rejects anything outside it so consumers can discard unknown input instead of failing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Version identifies the envelope kind set. Bump when a kind or payload shape changes.
const Version = 1

var (
	ErrUnknownKind     = errors.New("unknown envelope kind")
	ErrMalformed       = errors.New("malformed envelope")
	ErrPayloadMismatch = errors.New("payload does not match envelope kind")
)

type Level string

const (
	LevelExternal Level = "external"
	LevelInternal Level = "internal"
)

type Kind string

const (
	KindServersStarted  Kind = "ServersStarted"
	KindServersChanged  Kind = "ServersChanged"
	KindWatching        Kind = "Watching"
	KindWatchingStopped Kind = "WatchingStopped"
	KindFileChanged     Kind = "FileChanged"
	KindFilesChanged    Kind = "FilesChanged"
	KindInputAccepted   Kind = "InputAccepted"
	KindInputError      Kind = "InputError"
	KindStartupFailed   Kind = "StartupFailed"
	KindOutputLine      Kind = "OutputLine"
	KindTaskReport      Kind = "TaskReport"
	KindChange          Kind = "Change"
	KindClientConfig    Kind = "ClientConfig"
)

var payloadDecoders = map[Kind]func(json.RawMessage) (any, error){
	KindServersStarted:  decodePayload[ServersPayload],
	KindServersChanged:  decodePayload[ServersPayload],
	KindWatching:        decodePayload[WatchingPayload],
	KindWatchingStopped: decodePayload[WatchingStoppedPayload],
	KindFileChanged:     decodePayload[FileChangedPayload],
	KindFilesChanged:    decodePayload[FilesChangedPayload],
	KindInputAccepted:   decodePayload[InputAcceptedPayload],
	KindInputError:      decodePayload[InputErrorPayload],
	KindStartupFailed:   decodePayload[InputErrorPayload],
	KindOutputLine:      decodePayload[OutputLine],
	KindTaskReport:      decodePayload[TaskReportPayload],
	KindChange:          decodePayload[ChangeSet],
	KindClientConfig:    decodePayload[ClientConfigPayload],
}

// Kinds lists the known kinds.
func Kinds() []Kind {
	return []Kind{
		KindServersStarted, KindServersChanged, KindWatching, KindWatchingStopped,
		KindFileChanged, KindFilesChanged, KindInputAccepted, KindInputError,
		KindStartupFailed, KindOutputLine, KindTaskReport, KindChange, KindClientConfig,
	}
}

func (kind Kind) Known() bool {
	_, ok := payloadDecoders[kind]
	return ok
}

// Envelope is the single message shape used on the bus, on stdout and over websockets.
type Envelope struct {
	Level   Level
	Kind    Kind
	Payload any
	// At is local metadata and is not serialized.
	At time.Time
}

// Type satisfies the bus' typed-event interface for metrics labels.
func (envelope Envelope) Type() string {
	return string(envelope.Kind)
}

func (envelope Envelope) Timestamp() time.Time {
	return envelope.At
}

// Validate checks the kind is known and the payload has the kind's type.
func (envelope Envelope) Validate() error {
	if !envelope.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
	if !payloadMatches(envelope.Kind, envelope.Payload) {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, envelope.Kind, envelope.Payload)
	}
	return nil
}

type envelopeWire struct {
	Level   Level           `json:"level,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (envelope Envelope) MarshalJSON() ([]byte, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{Level: envelope.Level, Kind: envelope.Kind, Payload: payload})
}

func (envelope *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*envelope = decoded
	return nil
}

// Decode parses one envelope. The kind is checked before the payload is touched.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, ErrMalformed
	}
	kindResult := gjson.GetBytes(data, "kind")
	if !kindResult.Exists() || kindResult.Type != gjson.String {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	kind := Kind(kindResult.String())
	decoder, ok := payloadDecoders[kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := decoder(wire.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return Envelope{Level: wire.Level, Kind: kind, Payload: payload}, nil
}

// PeekKind returns the kind field without decoding the payload.
func PeekKind(data []byte) (Kind, bool) {
	result := gjson.GetBytes(data, "kind")
	if !result.Exists() {
		return "", false
	}
	kind := Kind(result.String())
	return kind, kind.Known()
}

func decodePayload[T any](raw json.RawMessage) (any, error) {
	var payload T
	if len(raw) == 0 {
		return payload, ErrMalformed
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func payloadMatches(kind Kind, payload any) bool {
	switch kind {
	case KindServersStarted, KindServersChanged:
		_, ok := payload.(ServersPayload)
		return ok
	case KindWatching:
		_, ok := payload.(WatchingPayload)
		return ok
	case KindWatchingStopped:
		_, ok := payload.(WatchingStoppedPayload)
		return ok
	case KindFileChanged:
		_, ok := payload.(FileChangedPayload)
		return ok
	case KindFilesChanged:
		_, ok := payload.(FilesChangedPayload)
		return ok
	case KindInputAccepted:
		_, ok := payload.(InputAcceptedPayload)
		return ok
	case KindInputError, KindStartupFailed:
		_, ok := payload.(InputErrorPayload)
		return ok
	case KindOutputLine:
		_, ok := payload.(OutputLine)
		return ok
	case KindTaskReport:
		_, ok := payload.(TaskReportPayload)
		return ok
	case KindChange:
		_, ok := payload.(ChangeSet)
		return ok
	case KindClientConfig:
		_, ok := payload.(ClientConfigPayload)
		return ok
	default:
		return false
	}
}
