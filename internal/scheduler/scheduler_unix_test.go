//go:build !windows

package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"devloop/internal/event"
	"devloop/internal/metrics"
	"devloop/internal/process"
	"devloop/internal/protocol"
	"devloop/internal/task"
)

type transitionLog struct {
	mu      sync.Mutex
	entries map[string][]task.State
	running map[string]bool
	tracked map[string]bool
	peak    int
}

func newTransitionLog(tree *task.Tree) *transitionLog {
	log := &transitionLog{
		entries: map[string][]task.State{},
		running: map[string]bool{},
		tracked: map[string]bool{},
	}
	for _, node := range tree.Runnables() {
		log.tracked[node.ID] = true
	}
	return log
}

func (log *transitionLog) observe(id string, from, to task.State) {
	log.mu.Lock()
	defer log.mu.Unlock()
	log.entries[id] = append(log.entries[id], to)
	if !log.tracked[id] {
		return
	}
	if to == task.StateRunning {
		log.running[id] = true
	} else {
		delete(log.running, id)
	}
	if len(log.running) > log.peak {
		log.peak = len(log.running)
	}
}

func (log *transitionLog) states(id string) []task.State {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]task.State(nil), log.entries[id]...)
}

type harness struct {
	scheduler *Scheduler
	collector *event.EventCollector[protocol.Envelope]
	registry  *metrics.Registry
}

func newHarness(t *testing.T, observe task.TransitionFunc, shell string) *harness {
	t.Helper()
	return newHarnessWithGrace(t, observe, shell, 2*time.Second)
}

func newHarnessWithGrace(t *testing.T, observe task.TransitionFunc, shell string, grace time.Duration) *harness {
	t.Helper()
	collector := event.NewEventCollector[protocol.Envelope]()
	registry := &metrics.Registry{}
	supervisor := process.NewSupervisor(process.Options{
		Metrics: registry,
		Shell:   shell,
		Grace:   grace,
	})
	scheduler := New(Options{
		Supervisor:   supervisor,
		Publisher:    event.PublishFunc(collector.Collect),
		Metrics:      registry,
		OnTransition: observe,
		Dir:          t.TempDir(),
	})
	return &harness{scheduler: scheduler, collector: collector, registry: registry}
}

func (h *harness) lines() []protocol.OutputLine {
	var lines []protocol.OutputLine
	for _, envelope := range h.collector.Events() {
		if line, ok := envelope.Payload.(protocol.OutputLine); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

func (h *harness) reports() []protocol.TaskReportPayload {
	var reports []protocol.TaskReportPayload
	for _, envelope := range h.collector.Events() {
		if report, ok := envelope.Payload.(protocol.TaskReportPayload); ok {
			reports = append(reports, report)
		}
	}
	return reports
}

func (h *harness) sawLine(text string) bool {
	for _, line := range h.lines() {
		if strings.Contains(line.Body.Line, text) {
			return true
		}
	}
	return false
}

func mustTree(t *testing.T, root *task.Node) *task.Tree {
	t.Helper()
	tree, err := task.NewTree(root)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	return tree
}

func sh(command string) *task.Node {
	return task.Runnable(task.Command{Sh: command})
}

func TestSeqStopsOnFailure(t *testing.T) {
	tree := mustTree(t, task.Seq(sh("echo a; exit 1"), sh("echo never-printed")))
	log := newTransitionLog(tree)
	h := newHarness(t, log.observe, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateFailed {
		t.Fatalf("expected Seq Failed, got %s", report.State)
	}
	first, second := report.Task.Children[0], report.Task.Children[1]
	if first.State != string(task.StateFailed) || first.ExitCode == nil || *first.ExitCode != 1 {
		t.Fatalf("expected first child Failed with code 1, got %+v", first)
	}
	if second.State != string(task.StateCancelled) {
		t.Fatalf("expected second child Cancelled, got %s", second.State)
	}
	for _, state := range log.states(second.ID) {
		if state == task.StateRunning {
			t.Fatal("expected second child never to start")
		}
	}
	if h.sawLine("never-printed") {
		t.Fatal("expected no output from the cancelled child")
	}
}

func TestSeqIgnoreFailuresRunsEveryChild(t *testing.T) {
	tree := mustTree(t, task.Seq(sh("exit 3"), sh("echo second-ran")).WithPolicy(task.IgnoreFailures))
	h := newHarness(t, nil, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateSucceeded {
		t.Fatalf("expected Seq Succeeded, got %s", report.State)
	}
	if report.Task.Children[0].State != string(task.StateFailed) {
		t.Fatalf("expected first child Failed, got %s", report.Task.Children[0].State)
	}
	if !h.sawLine("second-ran") {
		t.Fatal("expected the second child to run")
	}
}

func TestParFailureCancelsSiblings(t *testing.T) {
	tree := mustTree(t, task.Par(sh("sleep 0.1; exit 2"), sh("sleep 3; echo too-late")))
	h := newHarness(t, nil, "")

	started := time.Now()
	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if elapsed := time.Since(started); elapsed > 2500*time.Millisecond {
		t.Fatalf("expected sibling to be cancelled promptly, took %s", elapsed)
	}
	if report.State != task.StateFailed {
		t.Fatalf("expected Par Failed, got %s", report.State)
	}
	if state := report.Task.Children[0].State; state != string(task.StateFailed) {
		t.Fatalf("expected failing child Failed, got %s", state)
	}
	if state := report.Task.Children[1].State; state != string(task.StateCancelled) {
		t.Fatalf("expected sibling Cancelled, got %s", state)
	}
	if h.sawLine("too-late") {
		t.Fatal("expected the cancelled sibling to emit nothing")
	}
}

func TestParRespectsMaxConcurrency(t *testing.T) {
	tree := mustTree(t, task.Par(sh("sleep 0.3"), sh("sleep 0.3"), sh("sleep 0.3")).WithMax(2))
	log := newTransitionLog(tree)
	h := newHarness(t, log.observe, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateSucceeded {
		t.Fatalf("expected Par Succeeded, got %s", report.State)
	}
	log.mu.Lock()
	peak := log.peak
	log.mu.Unlock()
	if peak != 2 {
		t.Fatalf("expected at most 2 concurrent runnables, observed %d", peak)
	}
}

func TestParIgnoreFailuresKeepsSiblings(t *testing.T) {
	tree := mustTree(t, task.Par(sh("exit 1"), sh("sleep 0.2; echo sibling-finished")).WithPolicy(task.IgnoreFailures))
	h := newHarness(t, nil, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateSucceeded {
		t.Fatalf("expected Par Succeeded, got %s", report.State)
	}
	if !h.sawLine("sibling-finished") {
		t.Fatal("expected the sibling to finish")
	}
}

func TestExternalCancellationSettlesEverything(t *testing.T) {
	tree := mustTree(t, task.Seq(sh("sleep 5"), task.Par(sh("echo a"), sh("echo b"))))
	h := newHarness(t, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	report := h.scheduler.Run(ctx, tree, ExecTrigger())

	if report.State != task.StateCancelled {
		t.Fatalf("expected root Cancelled, got %s", report.State)
	}
	var visit func(payload protocol.TaskReportPayload)
	visit = func(payload protocol.TaskReportPayload) {
		if payload.State != string(task.StateCancelled) {
			t.Fatalf("expected %s Cancelled, got %s", payload.ID, payload.State)
		}
		for _, child := range payload.Children {
			visit(child)
		}
	}
	visit(report.Task)
}

func TestCancelledRunnableFinishesCleanupBeforeSettling(t *testing.T) {
	// The outer shell dies on SIGTERM; the inner one spends about 2s cleaning up.
	command := `sh -c 'trap "echo cleanup-started; sleep 1; echo cleanup-halfway; sleep 1; echo cleanup-finished; exit 0" TERM
echo ready
while true; do sleep 0.05; done'; echo after`
	tree := mustTree(t, sh(command))
	id := tree.Root().ID

	var h *harness
	var mu sync.Mutex
	finishedBeforeSettle := false
	observe := func(nodeID string, from, to task.State) {
		if nodeID == id && to == task.StateCancelled {
			mu.Lock()
			finishedBeforeSettle = h.sawLine("cleanup-finished")
			mu.Unlock()
		}
	}
	h = newHarnessWithGrace(t, observe, "", 4*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && !h.sawLine("ready") {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	started := time.Now()
	report := h.scheduler.Run(ctx, tree, ExecTrigger())

	if report.State != task.StateCancelled {
		t.Fatalf("expected Cancelled, got %s", report.State)
	}
	if elapsed := time.Since(started); elapsed < 2*time.Second {
		t.Fatalf("expected the run to wait for cleanup, settled after %s", elapsed)
	}
	for _, marker := range []string{"cleanup-started", "cleanup-halfway", "cleanup-finished"} {
		if !h.sawLine(marker) {
			t.Fatalf("expected %q in output lines, got %+v", marker, h.lines())
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !finishedBeforeSettle {
		t.Fatalf("expected cleanup output before the run settled")
	}
	if got := h.registry.Snapshot().ProcessForced; got != 0 {
		t.Fatalf("expected no forced kills, got %d", got)
	}
}

func TestTimeoutFailsRun(t *testing.T) {
	tree := mustTree(t, task.Runnable(task.Command{Sh: "sleep 5", Timeout: 100 * time.Millisecond}))
	h := newHarness(t, nil, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateFailed || report.Task.Error != "timed out" {
		t.Fatalf("expected Failed(timed out), got %s(%s)", report.State, report.Task.Error)
	}
}

func TestSpawnErrorFailsRunAndEmitsStderr(t *testing.T) {
	tree := mustTree(t, sh("true"))
	h := newHarness(t, nil, "/nonexistent/shell")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	if report.State != task.StateFailed {
		t.Fatalf("expected Failed, got %s", report.State)
	}
	lines := h.lines()
	if len(lines) != 1 || lines[0].Stream != protocol.StreamStderr {
		t.Fatalf("expected one stderr line, got %+v", lines)
	}
}

func TestProcessesReceiveTriggerEnvironment(t *testing.T) {
	tree := mustTree(t, task.Runnable(task.Command{
		Sh:   `echo "$DEVLOOP_REASON|$DEVLOOP_FILES|$FORCE_COLOR|$EXTRA"`,
		Name: "env",
		Env:  map[string]string{"EXTRA": "yes"},
	}))
	h := newHarness(t, nil, "")

	h.scheduler.Run(context.Background(), tree, FilesTrigger([]string{"a.css", "b.css"}))

	lines := h.lines()
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %+v", lines)
	}
	if lines[0].Body.Line != "2 files changed|a.css, b.css|1|yes" {
		t.Fatalf("unexpected environment line %q", lines[0].Body.Line)
	}
	if lines[0].Body.Prefix != "[env]" {
		t.Fatalf("expected prefix [env], got %q", lines[0].Body.Prefix)
	}
}

func TestRunPublishesOneReport(t *testing.T) {
	tree := mustTree(t, task.Seq(sh("true"), task.Par(sh("true"), sh("true"))))
	h := newHarness(t, nil, "")

	report := h.scheduler.Run(context.Background(), tree, ExecTrigger())

	reports := h.reports()
	if len(reports) != 1 {
		t.Fatalf("expected exactly one TaskReport, got %d", len(reports))
	}
	if reports[0].InvocationID != report.InvocationID || report.InvocationID == "" {
		t.Fatalf("expected invocation id %q, got %q", report.InvocationID, reports[0].InvocationID)
	}
	if got := h.registry.TaskOutcomes(string(task.StateSucceeded)); got != 3 {
		t.Fatalf("expected 3 succeeded runnables, got %d", got)
	}
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	tree := mustTree(t, sh("sleep 0.3"))
	h := newHarness(t, nil, "")
	handler := NewTriggerHandler(h.scheduler, tree, TriggerOptions{Metrics: h.registry})

	handler.Submit(FilesTrigger([]string{"a"}))
	handler.Submit(FilesTrigger([]string{"b"}))
	handler.Submit(FilesTrigger([]string{"b", "c"}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(h.reports()) < 2 {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := len(h.reports()); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
	if got := h.registry.Snapshot().TriggerCoalesced; got != 2 {
		t.Fatalf("expected 2 coalesced batches, got %d", got)
	}
	if err := handler.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTriggerCloseCancelsInFlightRun(t *testing.T) {
	tree := mustTree(t, sh("sleep 5"))
	h := newHarness(t, nil, "")
	handler := NewTriggerHandler(h.scheduler, tree, TriggerOptions{Metrics: h.registry})

	handler.Submit(ExecTrigger())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := handler.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	last, ok := handler.Last()
	if !ok || last.State != task.StateCancelled {
		t.Fatalf("expected last run Cancelled, got %+v", last)
	}
	if handler.Submit(ExecTrigger()) {
		t.Fatal("expected closed handler to reject runs")
	}
}

func TestMergeTriggersDeduplicates(t *testing.T) {
	merged := mergeTriggers(nil, FilesTrigger([]string{"a", "b"}))
	merged = mergeTriggers(merged, FilesTrigger([]string{"b", "c"}))

	if strings.Join(merged.Files, ",") != "a,b,c" {
		t.Fatalf("expected a,b,c, got %v", merged.Files)
	}
	if merged.Reason != "3 files changed" {
		t.Fatalf("unexpected reason %q", merged.Reason)
	}
}
