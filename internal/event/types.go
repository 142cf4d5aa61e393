package event

import (
	"context"
	"time"

	"devloop/internal/protocol"
)

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Publisher is the write side of a bus. Producers depend on this rather than on *Bus.
type Publisher interface {
	Publish(protocol.Envelope)
}

// Subscriber is the read side of a bus.
type Subscriber interface {
	SubscribeTypes(eventTypes ...string) (<-chan protocol.Envelope, func())
}

// EnvelopeBus is the process-wide bus every component publishes envelopes to.
type EnvelopeBus = Bus[protocol.Envelope]

func NewEnvelopeBus(ctx context.Context, opts BusOptions) *EnvelopeBus {
	if opts.Name == "" {
		opts.Name = "devloop"
	}
	return NewBus[protocol.Envelope](ctx, opts)
}

// KindNames converts envelope kinds to bus type filters.
func KindNames(kinds ...protocol.Kind) []string {
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return names
}

// PublishFunc adapts a function to Publisher.
type PublishFunc func(protocol.Envelope)

func (fn PublishFunc) Publish(envelope protocol.Envelope) {
	if fn != nil {
		fn(envelope)
	}
}

// Tee publishes every envelope to each publisher in order. Nil publishers are skipped.
func Tee(publishers ...Publisher) Publisher {
	targets := make([]Publisher, 0, len(publishers))
	for _, publisher := range publishers {
		if publisher != nil {
			targets = append(targets, publisher)
		}
	}
	return PublishFunc(func(envelope protocol.Envelope) {
		for _, target := range targets {
			target.Publish(envelope)
		}
	})
}
