package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	eventsPublished sync.Map
	eventsDropped   sync.Map
	subscribers     sync.Map
	taskOutcomes    sync.Map

	invocations      atomic.Int64
	invocationNanos  atomic.Int64
	processSpawned   atomic.Int64
	processForced    atomic.Int64
	spawnFailures    atomic.Int64
	watchBatches     atomic.Int64
	watchRestarts    atomic.Int64
	bridgeClients    atomic.Int64
	bridgeSendDrops  atomic.Int64
	triggerCoalesced atomic.Int64
}

type subscriberCounts struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.eventsPublished, labelKey(bus, eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.eventsDropped, labelKey(bus, eventType)).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.subscribers.LoadOrStore(normalizeName(bus), &subscriberCounts{})
	counts := value.(*subscriberCounts)
	counts.filtered.Store(int64(filtered))
	counts.unfiltered.Store(int64(unfiltered))
}

// EventsDropped returns the total drops recorded for a bus across all event types.
func (r *Registry) EventsDropped(bus string) int64 {
	if r == nil {
		return 0
	}
	prefix := normalizeName(bus) + "\x00"
	var total int64
	r.eventsDropped.Range(func(key, value any) bool {
		if name, ok := key.(string); ok && strings.HasPrefix(name, prefix) {
			total += value.(*atomic.Int64).Load()
		}
		return true
	})
	return total
}

// RecordTaskOutcome counts a runnable reaching a terminal state.
func (r *Registry) RecordTaskOutcome(state string) {
	if r == nil {
		return
	}
	counter(&r.taskOutcomes, normalizeName(state)).Add(1)
}

func (r *Registry) TaskOutcomes(state string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.taskOutcomes.Load(normalizeName(state))
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (r *Registry) RecordInvocation(duration time.Duration) {
	if r == nil {
		return
	}
	r.invocations.Add(1)
	r.invocationNanos.Add(duration.Nanoseconds())
}

func (r *Registry) IncProcessSpawned() {
	if r == nil {
		return
	}
	r.processSpawned.Add(1)
}

func (r *Registry) IncProcessForceKilled() {
	if r == nil {
		return
	}
	r.processForced.Add(1)
}

func (r *Registry) IncSpawnFailure() {
	if r == nil {
		return
	}
	r.spawnFailures.Add(1)
}

func (r *Registry) IncWatchBatch() {
	if r == nil {
		return
	}
	r.watchBatches.Add(1)
}

func (r *Registry) IncWatchRestart() {
	if r == nil {
		return
	}
	r.watchRestarts.Add(1)
}

func (r *Registry) AddBridgeClients(delta int64) {
	if r == nil {
		return
	}
	r.bridgeClients.Add(delta)
}

func (r *Registry) IncBridgeSendDropped() {
	if r == nil {
		return
	}
	r.bridgeSendDrops.Add(1)
}

func (r *Registry) IncTriggerCoalesced() {
	if r == nil {
		return
	}
	r.triggerCoalesced.Add(1)
}

// Snapshot is a point-in-time copy of the unlabeled counters.
type Snapshot struct {
	Invocations      int64 `json:"invocations"`
	ProcessSpawned   int64 `json:"processesSpawned"`
	ProcessForced    int64 `json:"processesForceKilled"`
	SpawnFailures    int64 `json:"spawnFailures"`
	WatchBatches     int64 `json:"watchBatches"`
	WatchRestarts    int64 `json:"watchRestarts"`
	BridgeClients    int64 `json:"bridgeClients"`
	BridgeSendDrops  int64 `json:"bridgeSendDrops"`
	TriggerCoalesced int64 `json:"triggerCoalesced"`
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Invocations:      r.invocations.Load(),
		ProcessSpawned:   r.processSpawned.Load(),
		ProcessForced:    r.processForced.Load(),
		SpawnFailures:    r.spawnFailures.Load(),
		WatchBatches:     r.watchBatches.Load(),
		WatchRestarts:    r.watchRestarts.Load(),
		BridgeClients:    r.bridgeClients.Load(),
		BridgeSendDrops:  r.bridgeSendDrops.Load(),
		TriggerCoalesced: r.triggerCoalesced.Load(),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeLabeledCounters(writer, "devloop_events_published_total", "Envelopes published per bus and kind", &r.eventsPublished, "bus", "kind")
	writeLabeledCounters(writer, "devloop_events_dropped_total", "Envelopes dropped for full subscribers", &r.eventsDropped, "bus", "kind")

	writeHelp(writer, "devloop_event_subscribers", "Current bus subscribers")
	fmt.Fprintln(writer, "# TYPE devloop_event_subscribers gauge")
	for _, bus := range sortedKeys(&r.subscribers) {
		value, _ := r.subscribers.Load(bus)
		counts := value.(*subscriberCounts)
		label := formatLabel(bus)
		fmt.Fprintf(writer, "devloop_event_subscribers{bus=%s,filtered=\"true\"} %d\n", label, counts.filtered.Load())
		fmt.Fprintf(writer, "devloop_event_subscribers{bus=%s,filtered=\"false\"} %d\n", label, counts.unfiltered.Load())
	}

	writeLabeledCounters(writer, "devloop_task_runs_total", "Runnable tasks per terminal state", &r.taskOutcomes, "state")

	writeHelp(writer, "devloop_invocation_duration_seconds", "Top-level invocation duration in seconds")
	fmt.Fprintln(writer, "# TYPE devloop_invocation_duration_seconds summary")
	fmt.Fprintf(writer, "devloop_invocation_duration_seconds_sum %.6f\n", float64(r.invocationNanos.Load())/float64(time.Second))
	fmt.Fprintf(writer, "devloop_invocation_duration_seconds_count %d\n", r.invocations.Load())

	writeCounter(writer, "devloop_processes_spawned_total", "Processes spawned", r.processSpawned.Load())
	writeCounter(writer, "devloop_processes_force_killed_total", "Processes killed after the grace window", r.processForced.Load())
	writeCounter(writer, "devloop_spawn_failures_total", "Processes that failed to start", r.spawnFailures.Load())
	writeCounter(writer, "devloop_watch_batches_total", "Debounced change batches emitted", r.watchBatches.Load())
	writeCounter(writer, "devloop_watch_restarts_total", "Watcher backend restarts", r.watchRestarts.Load())
	writeCounter(writer, "devloop_trigger_coalesced_total", "Change batches folded into a pending run", r.triggerCoalesced.Load())
	writeCounter(writer, "devloop_bridge_send_dropped_total", "Messages dropped for slow browser clients", r.bridgeSendDrops.Load())

	writeHelp(writer, "devloop_bridge_clients", "Connected browser clients")
	fmt.Fprintln(writer, "# TYPE devloop_bridge_clients gauge")
	fmt.Fprintf(writer, "devloop_bridge_clients %d\n", r.bridgeClients.Load())

	return nil
}

func counter(store *sync.Map, key string) *atomic.Int64 {
	value, _ := store.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func labelKey(values ...string) string {
	normalized := make([]string, len(values))
	for i, value := range values {
		normalized[i] = normalizeName(value)
	}
	return strings.Join(normalized, "\x00")
}

func normalizeName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "unknown"
	}
	return name
}

func sortedKeys(store *sync.Map) []string {
	var keys []string
	store.Range(func(key, value any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeLabeledCounters(writer io.Writer, metric, help string, store *sync.Map, labels ...string) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	for _, key := range sortedKeys(store) {
		value, _ := store.Load(key)
		parts := strings.Split(key, "\x00")
		pairs := make([]string, 0, len(labels))
		for i, label := range labels {
			if i >= len(parts) {
				break
			}
			pairs = append(pairs, label+"="+formatLabel(parts[i]))
		}
		fmt.Fprintf(writer, "%s{%s} %d\n", metric, strings.Join(pairs, ","), value.(*atomic.Int64).Load())
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
