// Package dispatch connects envelope handlers to the bus.
//
// Each registered handler gets its own subscription and goroutine, so envelopes reach a
// handler one at a time and in publish order. Handlers never see an unknown kind.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"devloop/internal/logging"
	"devloop/internal/protocol"
)

// Handler consumes the envelope kinds it declares.
type Handler interface {
	Name() string
	Kinds() []protocol.Kind
	Handle(ctx context.Context, envelope protocol.Envelope)
}

// Source is the subscribe side of event.Bus and event.MockBus.
type Source interface {
	SubscribeFiltered(filter func(protocol.Envelope) bool) (<-chan protocol.Envelope, func())
}

type Config struct {
	Logger *logging.Logger
}

// Subscription is a registered handler. Close stops delivery and waits for the handler to return.
type Subscription struct {
	name      string
	cancel    context.CancelFunc
	unsub     func()
	done      chan struct{}
	closeOnce sync.Once
}

func Register(source Source, handler Handler, config Config) *Subscription {
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("dispatch").With(map[string]string{"handler": handler.Name()})

	wanted := make(map[protocol.Kind]struct{})
	for _, kind := range handler.Kinds() {
		if !kind.Known() {
			logger.Warn("handler declares unknown kind", map[string]string{"kind": string(kind)})
			continue
		}
		wanted[kind] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, unsub := source.SubscribeFiltered(func(envelope protocol.Envelope) bool {
		if !envelope.Kind.Known() {
			if logger.Enabled(logging.LevelDebug) {
				logger.Debug("discarding envelope with unknown kind", map[string]string{"kind": string(envelope.Kind)})
			}
			return false
		}
		_, ok := wanted[envelope.Kind]
		return ok
	})

	subscription := &Subscription{
		name:   handler.Name(),
		cancel: cancel,
		unsub:  unsub,
		done:   make(chan struct{}),
	}
	go subscription.run(ctx, events, handler, logger)
	return subscription
}

func (subscription *Subscription) run(ctx context.Context, events <-chan protocol.Envelope, handler Handler, logger *logging.Logger) {
	defer close(subscription.done)
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-events:
			if !ok {
				return
			}
			deliver(ctx, handler, envelope, logger)
		}
	}
}

func deliver(ctx context.Context, handler Handler, envelope protocol.Envelope, logger *logging.Logger) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("handler panicked", map[string]string{
				"kind":  string(envelope.Kind),
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	handler.Handle(ctx, envelope)
}

func (subscription *Subscription) Name() string {
	if subscription == nil {
		return ""
	}
	return subscription.name
}

// Done is closed once the handler goroutine has exited.
func (subscription *Subscription) Done() <-chan struct{} {
	return subscription.done
}

func (subscription *Subscription) Close() {
	if subscription == nil {
		return
	}
	subscription.closeOnce.Do(func() {
		subscription.cancel()
		subscription.unsub()
	})
	<-subscription.done
}

// HandlerFunc builds a Handler from a function.
type HandlerFunc struct {
	HandlerName string
	HandleKinds []protocol.Kind
	Fn          func(ctx context.Context, envelope protocol.Envelope)
}

func (handler HandlerFunc) Name() string {
	return handler.HandlerName
}

func (handler HandlerFunc) Kinds() []protocol.Kind {
	return handler.HandleKinds
}

func (handler HandlerFunc) Handle(ctx context.Context, envelope protocol.Envelope) {
	if handler.Fn != nil {
		handler.Fn(ctx, envelope)
	}
}
