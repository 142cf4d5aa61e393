// Package status follows the envelope stream and keeps a snapshot of what the
// orchestrator is doing: servers, watched paths, recent batches and task reports.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
)

const (
	defaultRecentLogs = 20
	maxRecentBatches  = 10
)

type Options struct {
	// Logs supplies recent log entries; nil leaves them out of the snapshot.
	Logs       *logging.LogBuffer
	RecentLogs int
	Metrics    *metrics.Registry
	Now        func() time.Time
}

// Snapshot is the document served on the status endpoint.
type Snapshot struct {
	StartedAt     time.Time                    `json:"started_at"`
	Servers       []protocol.ServerDesc        `json:"servers"`
	Watching      []string                     `json:"watching"`
	Debounce      string                       `json:"debounce,omitempty"`
	RecentBatches []Batch                      `json:"recent_batches"`
	LastReport    *protocol.TaskReportPayload  `json:"last_report,omitempty"`
	Failures      []protocol.InputErrorPayload `json:"failures,omitempty"`
	Metrics       *metrics.Snapshot            `json:"metrics,omitempty"`
	Logs          []logging.LogEntry           `json:"logs,omitempty"`
	Dropped       map[string]int64             `json:"dropped,omitempty"`
}

type Batch struct {
	At    time.Time `json:"at"`
	Paths []string  `json:"paths"`
}

// Tracker is a dispatch handler; Snapshot is safe to call from any goroutine.
type Tracker struct {
	logs       *logging.LogBuffer
	recentLogs int
	metrics    *metrics.Registry
	now        func() time.Time

	mu        sync.RWMutex
	startedAt time.Time
	servers   []protocol.ServerDesc
	watching  map[string]struct{}
	debounce  string
	batches   []Batch
	report    *protocol.TaskReportPayload
	failures  []protocol.InputErrorPayload
	dropped   map[string]int64
}

func NewTracker(options Options) *Tracker {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	recent := options.RecentLogs
	if recent <= 0 {
		recent = defaultRecentLogs
	}
	return &Tracker{
		logs:       options.Logs,
		recentLogs: recent,
		metrics:    options.Metrics,
		now:        now,
		startedAt:  now().UTC(),
		watching:   make(map[string]struct{}),
		dropped:    make(map[string]int64),
	}
}

func (tracker *Tracker) Name() string {
	return "status.tracker"
}

func (tracker *Tracker) Kinds() []protocol.Kind {
	return []protocol.Kind{
		protocol.KindServersStarted,
		protocol.KindServersChanged,
		protocol.KindWatching,
		protocol.KindWatchingStopped,
		protocol.KindFilesChanged,
		protocol.KindTaskReport,
		protocol.KindInputError,
		protocol.KindStartupFailed,
	}
}

func (tracker *Tracker) Handle(ctx context.Context, envelope protocol.Envelope) {
	tracker.Apply(envelope)
}

// Apply folds one envelope into the tracked state.
func (tracker *Tracker) Apply(envelope protocol.Envelope) {
	if tracker == nil {
		return
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	switch payload := envelope.Payload.(type) {
	case protocol.ServersPayload:
		tracker.servers = append([]protocol.ServerDesc(nil), payload.Servers...)
	case protocol.WatchingPayload:
		for _, path := range payload.Paths {
			tracker.watching[path] = struct{}{}
		}
		tracker.debounce = payload.Debounce.String()
	case protocol.WatchingStoppedPayload:
		for _, path := range payload.Paths {
			delete(tracker.watching, path)
		}
	case protocol.FilesChangedPayload:
		at := envelope.At
		if at.IsZero() {
			at = tracker.now().UTC()
		}
		tracker.batches = append(tracker.batches, Batch{At: at, Paths: append([]string(nil), payload.Paths...)})
		if len(tracker.batches) > maxRecentBatches {
			tracker.batches = tracker.batches[len(tracker.batches)-maxRecentBatches:]
		}
	case protocol.TaskReportPayload:
		report := payload
		tracker.report = &report
	case protocol.InputErrorPayload:
		tracker.failures = append(tracker.failures, payload)
	}
}

// RecordDrop notes an envelope a bus subscriber missed. It is the bus OnDrop hook and
// runs on the publishing goroutine.
func (tracker *Tracker) RecordDrop(kind string) {
	if tracker == nil {
		return
	}
	tracker.mu.Lock()
	tracker.dropped[kind]++
	tracker.mu.Unlock()
}

func (tracker *Tracker) Snapshot() any {
	return tracker.Current()
}

// Current returns a copy of the tracked state.
func (tracker *Tracker) Current() Snapshot {
	if tracker == nil {
		return Snapshot{}
	}
	tracker.mu.RLock()
	snapshot := Snapshot{
		StartedAt:     tracker.startedAt,
		Servers:       append([]protocol.ServerDesc{}, tracker.servers...),
		Watching:      sortedPaths(tracker.watching),
		Debounce:      tracker.debounce,
		RecentBatches: append([]Batch{}, tracker.batches...),
		Failures:      append([]protocol.InputErrorPayload(nil), tracker.failures...),
	}
	if len(tracker.dropped) > 0 {
		snapshot.Dropped = make(map[string]int64, len(tracker.dropped))
		for kind, count := range tracker.dropped {
			snapshot.Dropped[kind] = count
		}
	}
	if tracker.report != nil {
		report := *tracker.report
		snapshot.LastReport = &report
	}
	tracker.mu.RUnlock()

	if tracker.metrics != nil {
		counters := tracker.metrics.Snapshot()
		snapshot.Metrics = &counters
	}
	if tracker.logs != nil {
		snapshot.Logs = tracker.logs.Last(tracker.recentLogs)
	}
	return snapshot
}

func sortedPaths(set map[string]struct{}) []string {
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
