package livereload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"devloop/internal/event"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
)

type staticStatus map[string]any

func (status staticStatus) Snapshot() any {
	return map[string]any(status)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + WebSocketPath
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestBridgeForwardsBatchesToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := &metrics.Registry{}
	bus := event.NewEnvelopeBus(ctx, event.BusOptions{Registry: registry})
	bridge := NewBridge(bus, BridgeOptions{Metrics: registry, ClientLogLevel: LevelDebug})
	go bridge.Run(ctx)

	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	injected := make(chan []string, 1)
	reloaded := make(chan struct{}, 1)
	console := NewConsoleLogger(nil, LevelInfo)
	client := NewClient(wsURL(server), ClientOptions{
		RetryInterval: 50 * time.Millisecond,
		Console:       console,
		OnInject:      func(paths []string) { injected <- paths },
		OnReload:      func() { reloaded <- struct{}{} },
	})
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return bus.SubscriberCount() == 1 }, "expected bridge to subscribe")
	waitFor(t, 2*time.Second, func() bool { return bridge.Clients() == 1 }, "expected client to connect")
	waitFor(t, 2*time.Second, func() bool { return console.Level() == LevelDebug }, "expected ClientConfig to set the log level")

	bus.Publish(protocol.NewFilesChanged(batch("site/a.css", "site/logo.png")))
	select {
	case paths := <-injected:
		if strings.Join(paths, ",") != "site/a.css,site/logo.png" {
			t.Fatalf("unexpected inject paths %v", paths)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected inject")
	}

	bus.Publish(protocol.NewFilesChanged(batch("site/a.css", "site/index.html")))
	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload")
	}

	cancel()
	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("expected clean client exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected client to stop")
	}
}

func TestClientRetriesUntilServerAccepts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewMockBus[protocol.Envelope]()
	bridge := NewBridge(bus, BridgeOptions{Metrics: &metrics.Registry{}})
	handler := bridge.Handler()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	connected := make(chan struct{}, 1)
	client := NewClient(wsURL(server), ClientOptions{
		RetryInterval: 50 * time.Millisecond,
		OnConnect:     func() { connected <- struct{}{} },
	})
	go func() { _ = client.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("expected client to connect after retries")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientDiscardsUnknownKinds(t *testing.T) {
	var out bytes.Buffer
	called := false
	client := NewClient("ws://unused", ClientOptions{
		Console:  NewConsoleLogger(&out, LevelDebug),
		OnReload: func() { called = true },
		OnInject: func([]string) { called = true },
	})

	client.handle([]byte(`{"level":"external","kind":"Mystery","payload":{}}`))

	if called {
		t.Fatal("expected no action for an unknown kind")
	}
	if !strings.Contains(out.String(), "unhandled client event") {
		t.Fatalf("expected diagnostic, got %q", out.String())
	}
}

func TestBroadcastDropsForFullClientQueue(t *testing.T) {
	registry := &metrics.Registry{}
	bridge := NewBridge(event.NewMockBus[protocol.Envelope](), BridgeOptions{Metrics: registry})
	slow := &bridgeClient{send: make(chan protocol.Envelope, 1), done: make(chan struct{})}
	bridge.clients[slow] = struct{}{}

	bridge.Broadcast(protocol.NewChange(batch("a.css")))
	bridge.Broadcast(protocol.NewChange(batch("b.css")))

	if got := registry.Snapshot().BridgeSendDrops; got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if len(slow.send) != 1 {
		t.Fatalf("expected the first envelope to stay queued, got %d", len(slow.send))
	}
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	registry := &metrics.Registry{}
	registry.IncWatchBatch()
	bridge := NewBridge(event.NewMockBus[protocol.Envelope](), BridgeOptions{
		Metrics: registry,
		Status:  staticStatus{"watching": []string{"src"}},
	})
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + StatusPath)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer response.Body.Close()
	var status map[string][]string
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status["watching"]) != 1 || status["watching"][0] != "src" {
		t.Fatalf("unexpected status %v", status)
	}

	metricsResponse, err := http.Get(server.URL + MetricsPath)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metricsResponse.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(metricsResponse.Body)
	if !strings.Contains(body.String(), "devloop_watch_batches_total 1") {
		t.Fatalf("expected watch batch counter, got:\n%s", body.String())
	}
}

func TestEventsEndpointListsBusHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := event.NewEnvelopeBus(ctx, event.BusOptions{HistorySize: 2, Registry: &metrics.Registry{}})
	bus.Publish(protocol.NewWatching([]string{"site"}, protocol.TrailingDebounce(50*time.Millisecond)))
	bus.Publish(protocol.NewFileChanged("site/a.css"))
	bus.Publish(protocol.NewFilesChanged(batch("site/a.css")))

	bridge := NewBridge(bus, BridgeOptions{Metrics: &metrics.Registry{}, History: bus})
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + EventsPath)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer response.Body.Close()
	var envelopes []protocol.Envelope
	if err := json.NewDecoder(response.Body).Decode(&envelopes); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected the 2 most recent envelopes, got %d", len(envelopes))
	}
	if envelopes[0].Kind != protocol.KindFileChanged || envelopes[1].Kind != protocol.KindFilesChanged {
		t.Fatalf("expected FileChanged then FilesChanged, got %s then %s", envelopes[0].Kind, envelopes[1].Kind)
	}
}

func TestEventsEndpointWithoutHistory(t *testing.T) {
	bridge := NewBridge(event.NewMockBus[protocol.Envelope](), BridgeOptions{Metrics: &metrics.Registry{}})
	recorder := httptest.NewRecorder()
	bridge.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, EventsPath, nil))
	if got := strings.TrimSpace(recorder.Body.String()); got != "[]" {
		t.Fatalf("expected an empty list, got %q", got)
	}
}

func TestOriginCheck(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "http://localhost:3000"+WebSocketPath, nil)
	request.Header.Set("Origin", "http://localhost:8080")
	if !isOriginAllowed(request, nil) {
		t.Fatal("expected same-host origin to pass")
	}
	request.Header.Set("Origin", "http://evil.example")
	if isOriginAllowed(request, nil) {
		t.Fatal("expected foreign origin to be rejected")
	}
	if !isOriginAllowed(request, []string{"evil.example"}) {
		t.Fatal("expected allow-listed origin to pass")
	}
}
