package livereload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"devloop/internal/protocol"
)

// DefaultRetryInterval is the fixed delay between reconnect attempts.
const DefaultRetryInterval = 5 * time.Second

type ClientOptions struct {
	RetryInterval time.Duration
	Console       *ConsoleLogger
	Dialer        *websocket.Dialer
	OnInject      func(paths []string)
	OnReload      func()
	// OnConnect is called after every successful dial.
	OnConnect func()
}

// Client follows a bridge from outside a browser: it reconnects on failure, applies the
// server's log level and turns Change batches into inject or reload actions.
type Client struct {
	url           string
	retryInterval time.Duration
	console       *ConsoleLogger
	dialer        *websocket.Dialer
	onInject      func([]string)
	onReload      func()
	onConnect     func()
}

func NewClient(url string, options ClientOptions) *Client {
	retry := options.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	console := options.Console
	if console == nil {
		console = NewConsoleLogger(io.Discard, LevelInfo)
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:           url,
		retryInterval: retry,
		console:       console,
		dialer:        dialer,
		onInject:      options.OnInject,
		onReload:      options.OnReload,
		onConnect:     options.OnConnect,
	}
}

// Run connects and reconnects until ctx ends. It returns nil on cancellation.
func (client *Client) Run(ctx context.Context) error {
	for {
		err := client.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		client.console.Log(LevelDebug, "connection lost: %v; retrying in %s", err, client.retryInterval)

		timer := time.NewTimer(client.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (client *Client) session(ctx context.Context) error {
	conn, _, err := client.dialer.DialContext(ctx, client.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", client.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if client.onConnect != nil {
		client.onConnect()
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		client.handle(data)
	}
}

func (client *Client) handle(data []byte) {
	envelope, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			client.console.Log(LevelDebug, "unhandled client event")
			return
		}
		client.console.Log(LevelError, "invalid message: %v", err)
		return
	}

	switch payload := envelope.Payload.(type) {
	case protocol.ClientConfigPayload:
		if level, ok := ParseLogLevel(payload.LogLevel); ok {
			client.console.SetLevel(level)
		}
	case protocol.ChangeSet:
		client.apply(Classify(payload))
	default:
		client.console.Log(LevelTrace, "ignored %s", envelope.Kind)
	}
}

func (client *Client) apply(action Action) {
	switch action.Kind {
	case ActionInject:
		client.console.Log(LevelInfo, "inject %d paths", len(action.Paths))
		if client.onInject != nil {
			client.onInject(action.Paths)
		}
	case ActionReload:
		client.console.Log(LevelInfo, "reload page")
		if client.onReload != nil {
			client.onReload()
		}
	}
}
