package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
	"devloop/internal/task"
)

type TriggerOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// TriggerHandler runs a tree whenever the watcher reports a batch. At most one run is
// in flight; batches that arrive meanwhile are merged into a single pending re-run.
type TriggerHandler struct {
	scheduler *Scheduler
	tree      atomic.Pointer[task.Tree]
	logger    *logging.Logger
	metrics   *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending *Trigger
	closed  bool
	last    Report
}

func NewTriggerHandler(scheduler *Scheduler, tree *task.Tree, options TriggerOptions) *TriggerHandler {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	ctx, cancel := context.WithCancel(context.Background())
	handler := &TriggerHandler{
		scheduler: scheduler,
		logger:    logger.Component("trigger"),
		metrics:   registry,
		ctx:       ctx,
		cancel:    cancel,
	}
	handler.tree.Store(tree)
	return handler
}

func (handler *TriggerHandler) Name() string {
	return "scheduler.trigger"
}

func (handler *TriggerHandler) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindFilesChanged}
}

func (handler *TriggerHandler) Handle(ctx context.Context, envelope protocol.Envelope) {
	payload, ok := envelope.Payload.(protocol.FilesChangedPayload)
	if !ok {
		return
	}
	handler.Submit(FilesTrigger(payload.Paths))
}

// SetTree swaps the tree used by subsequent runs.
func (handler *TriggerHandler) SetTree(tree *task.Tree) {
	if tree != nil {
		handler.tree.Store(tree)
	}
}

// Submit starts a run, or folds trigger into the pending re-run when one is in flight.
// It reports false once the handler is closed.
func (handler *TriggerHandler) Submit(trigger Trigger) bool {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.closed {
		return false
	}
	if handler.running {
		handler.pending = mergeTriggers(handler.pending, trigger)
		handler.metrics.IncTriggerCoalesced()
		handler.logger.Debug("run coalesced", map[string]string{
			"files": strconv.Itoa(len(handler.pending.Files)),
		})
		return true
	}
	handler.running = true
	handler.wg.Add(1)
	go handler.loop(trigger)
	return true
}

// Last returns the report of the most recent completed run.
func (handler *TriggerHandler) Last() (Report, bool) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	return handler.last, handler.last.InvocationID != ""
}

// Close stops admitting runs, cancels the in-flight run and waits for it to settle.
func (handler *TriggerHandler) Close(ctx context.Context) error {
	handler.mu.Lock()
	handler.closed = true
	handler.pending = nil
	handler.mu.Unlock()
	handler.cancel()

	finished := make(chan struct{})
	go func() {
		handler.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight run: %w", ctx.Err())
	}
}

func (handler *TriggerHandler) loop(trigger Trigger) {
	defer handler.wg.Done()
	for {
		report := handler.scheduler.Run(handler.ctx, handler.tree.Load(), trigger)

		handler.mu.Lock()
		handler.last = report
		if handler.pending == nil || handler.closed {
			handler.running = false
			handler.mu.Unlock()
			return
		}
		trigger = *handler.pending
		handler.pending = nil
		handler.mu.Unlock()
	}
}

func mergeTriggers(pending *Trigger, next Trigger) *Trigger {
	if pending == nil {
		merged := Trigger{Reason: next.Reason, Files: append([]string(nil), next.Files...)}
		return &merged
	}
	seen := make(map[string]struct{}, len(pending.Files))
	for _, file := range pending.Files {
		seen[file] = struct{}{}
	}
	for _, file := range next.Files {
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		pending.Files = append(pending.Files, file)
	}
	pending.Reason = FilesTrigger(pending.Files).Reason
	return pending
}
