package livereload

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
)

const (
	WebSocketPath = "/__devloop_ws"
	StatusPath    = "/__devloop/status"
	MetricsPath   = "/__devloop/metrics"
	EventsPath    = "/__devloop/events"

	defaultClientQueue = 32
	wsReadBufferSize   = 1024
	wsWriteBufferSize  = 1024
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

// StatusSource supplies the document served on the status endpoint.
type StatusSource interface {
	Snapshot() any
}

// HistorySource supplies the recent envelopes served on the events endpoint.
type HistorySource interface {
	DumpHistory() []protocol.Envelope
}

type BridgeOptions struct {
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Status         StatusSource
	History        HistorySource
	ClientLogLevel LogLevel
	ClientQueue    int
	PingInterval   time.Duration
	AllowedOrigins []string
}

// Bridge forwards change batches from the bus to every connected browser client.
type Bridge struct {
	source         event.Subscriber
	logger         *logging.Logger
	metrics        *metrics.Registry
	status         StatusSource
	history        HistorySource
	clientLogLevel LogLevel
	clientQueue    int
	pingInterval   time.Duration
	allowedOrigins []string

	mu      sync.Mutex
	clients map[*bridgeClient]struct{}
	closed  bool
}

type bridgeClient struct {
	conn *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func (client *bridgeClient) close() {
	client.once.Do(func() {
		close(client.done)
	})
}

func NewBridge(source event.Subscriber, options BridgeOptions) *Bridge {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	queue := options.ClientQueue
	if queue <= 0 {
		queue = defaultClientQueue
	}
	ping := options.PingInterval
	if ping <= 0 {
		ping = wsPingInterval
	}
	return &Bridge{
		source:         source,
		logger:         logger.Component("livereload"),
		metrics:        registry,
		status:         options.Status,
		history:        options.History,
		clientLogLevel: options.ClientLogLevel,
		clientQueue:    queue,
		pingInterval:   ping,
		allowedOrigins: options.AllowedOrigins,
		clients:        make(map[*bridgeClient]struct{}),
	}
}

// Run forwards FilesChanged batches as Change envelopes until ctx ends, then
// disconnects every client.
func (bridge *Bridge) Run(ctx context.Context) {
	events, unsubscribe := bridge.source.SubscribeTypes(string(protocol.KindFilesChanged))
	defer unsubscribe()
	defer bridge.closeClients()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-events:
			if !ok {
				return
			}
			payload, ok := envelope.Payload.(protocol.FilesChangedPayload)
			if !ok || payload.Changes == nil {
				continue
			}
			bridge.Broadcast(protocol.NewChange(*payload.Changes))
		}
	}
}

// Broadcast queues envelope for every client. A client whose queue is full misses it.
func (bridge *Bridge) Broadcast(envelope protocol.Envelope) {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	for client := range bridge.clients {
		select {
		case client.send <- envelope:
		default:
			bridge.metrics.IncBridgeSendDropped()
			bridge.logger.Debug("client queue full", map[string]string{
				"kind": string(envelope.Kind),
			})
		}
	}
}

func (bridge *Bridge) Clients() int {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	return len(bridge.clients)
}

// Handler serves the websocket endpoint plus the status and metrics documents.
func (bridge *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, bridge.serveWS)
	mux.HandleFunc(StatusPath, bridge.serveStatus)
	mux.HandleFunc(MetricsPath, bridge.serveMetrics)
	mux.HandleFunc(EventsPath, bridge.serveEvents)
	return mux
}

func (bridge *Bridge) serveStatus(w http.ResponseWriter, r *http.Request) {
	var snapshot any = map[string]any{}
	if bridge.status != nil {
		snapshot = bridge.status.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snapshot)
}

// serveEvents lists the envelopes the bus still remembers, oldest first.
func (bridge *Bridge) serveEvents(w http.ResponseWriter, r *http.Request) {
	envelopes := []protocol.Envelope{}
	if bridge.history != nil {
		envelopes = append(envelopes, bridge.history.DumpHistory()...)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelopes)
}

func (bridge *Bridge) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = bridge.metrics.WritePrometheus(w)
}

func (bridge *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, bridge.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		bridge.logger.Warn("websocket upgrade failed", map[string]string{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	client := &bridgeClient{
		conn: conn,
		send: make(chan protocol.Envelope, bridge.clientQueue),
		done: make(chan struct{}),
	}
	client.send <- protocol.NewClientConfig(bridge.clientLogLevel.String())
	if !bridge.register(client) {
		_ = conn.Close()
		return
	}
	defer bridge.unregister(client)

	go bridge.writeLoop(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			client.close()
			return
		}
	}
}

func (bridge *Bridge) writeLoop(client *bridgeClient) {
	ticker := time.NewTicker(bridge.pingInterval)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case envelope := <-client.send:
			data, err := json.Marshal(envelope)
			if err != nil {
				bridge.logger.Warn("encode envelope failed", map[string]string{"error": err.Error()})
				continue
			}
			if err := client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := client.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				client.close()
				return
			}
		case <-client.done:
			deadline := time.Now().Add(wsWriteTimeout)
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		}
	}
}

func (bridge *Bridge) register(client *bridgeClient) bool {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if bridge.closed {
		return false
	}
	bridge.clients[client] = struct{}{}
	bridge.metrics.AddBridgeClients(1)
	bridge.logger.Info("client connected", map[string]string{
		"remote_addr": client.conn.RemoteAddr().String(),
		"clients":     strconv.Itoa(len(bridge.clients)),
	})
	return true
}

func (bridge *Bridge) unregister(client *bridgeClient) {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if _, ok := bridge.clients[client]; !ok {
		return
	}
	delete(bridge.clients, client)
	bridge.metrics.AddBridgeClients(-1)
	client.close()
}

func (bridge *Bridge) closeClients() {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	bridge.closed = true
	for client := range bridge.clients {
		client.close()
	}
}

// isOriginAllowed accepts same-host origins, or any origin listed in allowed.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	originHost := parsed.Hostname()
	for _, allowedOrigin := range allowed {
		if allowedOrigin == "*" || strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
			return true
		}
	}
	requestHost := r.Host
	if host, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = host
	}
	return strings.EqualFold(originHost, requestHost)
}
