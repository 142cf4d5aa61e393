// Package scheduler executes task trees: runnables through the process supervisor,
// Seq in strict order, Par under a concurrency bound, with failure propagation and
// cooperative cancellation.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/output"
	"devloop/internal/process"
	"devloop/internal/protocol"
	"devloop/internal/task"
)

const (
	reasonCancelled   = "cancelled"
	reasonTimedOut    = "timed out"
	reasonChildFailed = "child failed"
)

// Trigger says why an invocation runs. It is exported to every process as
// DEVLOOP_REASON and DEVLOOP_FILES.
type Trigger struct {
	Reason string
	Files  []string
}

// FilesTrigger describes a watcher-driven invocation.
func FilesTrigger(files []string) Trigger {
	return Trigger{Reason: strconv.Itoa(len(files)) + " files changed", Files: files}
}

// ExecTrigger describes an invocation started directly from the command line.
func ExecTrigger() Trigger {
	return Trigger{Reason: "command executed"}
}

func (trigger Trigger) filesValue() string {
	if len(trigger.Files) == 0 {
		return "NONE"
	}
	return strings.Join(trigger.Files, ", ")
}

type Options struct {
	Supervisor *process.Supervisor
	Router     *output.Router
	Publisher  event.Publisher
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	// OnTransition observes every state change of every node.
	OnTransition task.TransitionFunc
	// Grace overrides the supervisor grace for cancelled processes.
	Grace time.Duration
	// Env is added to every process after the trigger variables.
	Env map[string]string
	Dir string
}

// Report is the outcome of one top-level invocation.
type Report struct {
	InvocationID string
	State        task.State
	Duration     time.Duration
	Task         protocol.TaskReportPayload
}

func (report Report) Succeeded() bool {
	return report.State == task.StateSucceeded
}

type Scheduler struct {
	supervisor   *process.Supervisor
	router       *output.Router
	publisher    event.Publisher
	logger       *logging.Logger
	metrics      *metrics.Registry
	onTransition task.TransitionFunc
	grace        time.Duration
	env          map[string]string
	dir          string
	active       atomic.Int64
}

func New(options Options) *Scheduler {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	supervisor := options.Supervisor
	if supervisor == nil {
		supervisor = process.NewSupervisor(process.Options{Logger: logger, Metrics: registry})
	}
	router := options.Router
	if router == nil {
		router = output.NewRouter(output.Options{Publisher: options.Publisher})
	}
	grace := options.Grace
	if grace <= 0 {
		grace = supervisor.Grace()
	}
	dir := options.Dir
	if dir == "" {
		dir = workingDir()
	}
	return &Scheduler{
		supervisor:   supervisor,
		router:       router,
		publisher:    options.Publisher,
		logger:       logger.Component("scheduler"),
		metrics:      registry,
		onTransition: options.OnTransition,
		grace:        grace,
		env:          options.Env,
		dir:          dir,
	}
}

// Active reports how many invocations are executing.
func (scheduler *Scheduler) Active() int {
	return int(scheduler.active.Load())
}

// Run executes tree to completion and publishes exactly one TaskReport. Cancelling ctx
// cancels the invocation; Run still waits for every process to exit.
func (scheduler *Scheduler) Run(ctx context.Context, tree *task.Tree, trigger Trigger) Report {
	scheduler.active.Add(1)
	defer scheduler.active.Add(-1)

	invocationID := uuid.NewString()
	started := time.Now()
	logger := scheduler.logger.With(map[string]string{"invocation_id": invocationID})
	logger.Info("invocation started", map[string]string{
		"reason": trigger.Reason,
		"root":   tree.Root().Label,
	})

	invocation := &invocation{
		scheduler: scheduler,
		tree:      tree,
		trigger:   trigger,
		id:        invocationID,
		logger:    logger,
	}
	run := task.NewRun(tree.Root(), invocation.observe)
	invocation.execute(ctx, run)

	duration := time.Since(started)
	payload := run.Report()
	payload.InvocationID = invocationID
	if scheduler.publisher != nil {
		scheduler.publisher.Publish(protocol.NewTaskReport(payload))
	}
	scheduler.metrics.RecordInvocation(duration)
	logger.Info("invocation finished", map[string]string{
		"state":       string(run.State()),
		"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
	})

	return Report{
		InvocationID: invocationID,
		State:        run.State(),
		Duration:     duration,
		Task:         payload,
	}
}

type invocation struct {
	scheduler *Scheduler
	tree      *task.Tree
	trigger   Trigger
	id        string
	logger    *logging.Logger
}

func (invocation *invocation) observe(id string, from, to task.State) {
	if to.Terminal() {
		if node, ok := invocation.tree.Find(id); ok && node.Kind == task.KindRunnable {
			invocation.scheduler.metrics.RecordTaskOutcome(string(to))
		}
	}
	if invocation.scheduler.onTransition != nil {
		invocation.scheduler.onTransition(id, from, to)
	}
}

func (invocation *invocation) execute(ctx context.Context, run *task.Run) {
	if ctx.Err() != nil {
		run.CancelRemaining(reasonCancelled)
		return
	}
	switch run.Node().Kind {
	case task.KindRunnable:
		invocation.runnable(ctx, run)
	case task.KindSeq:
		invocation.seq(ctx, run)
	case task.KindPar:
		invocation.par(ctx, run)
	default:
		_ = run.Start()
		_ = run.Fail(fmt.Sprintf("unknown node kind %q", run.Node().Kind), nil)
	}
}

func (invocation *invocation) seq(ctx context.Context, run *task.Run) {
	_ = run.Start()
	node := run.Node()
	failed := false

	children := run.Children()
	for index, child := range children {
		if ctx.Err() != nil {
			cancelAll(children[index:])
			break
		}
		invocation.execute(ctx, child)
		if child.State() == task.StateFailed {
			failed = true
			if node.Policy == task.StopOnFailure {
				cancelAll(children[index+1:])
				break
			}
		}
	}

	invocation.settleGroup(ctx, run, failed && node.Policy == task.StopOnFailure)
}

func (invocation *invocation) par(ctx context.Context, run *task.Run) {
	_ = run.Start()
	node := run.Node()

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	limit := semaphore.NewWeighted(int64(node.Concurrency()))
	var failed atomic.Bool
	done := make(chan struct{}, len(run.Children()))
	started := 0

	for _, child := range run.Children() {
		if err := limit.Acquire(groupCtx, 1); err != nil {
			break
		}
		if groupCtx.Err() != nil {
			limit.Release(1)
			break
		}
		started++
		go func(child *task.Run) {
			defer func() { done <- struct{}{} }()
			defer limit.Release(1)
			invocation.execute(groupCtx, child)
			if child.State() == task.StateFailed && node.Policy == task.StopOnFailure {
				failed.Store(true)
				cancelGroup()
			}
		}(child)
	}
	for i := 0; i < started; i++ {
		<-done
	}

	cancelAll(run.Children())
	invocation.settleGroup(ctx, run, failed.Load())
}

func (invocation *invocation) settleGroup(ctx context.Context, run *task.Run, failed bool) {
	switch {
	case ctx.Err() != nil:
		run.CancelRemaining(reasonCancelled)
	case failed:
		_ = run.Fail(reasonChildFailed, nil)
	default:
		_ = run.Complete()
	}
}

func (invocation *invocation) runnable(ctx context.Context, run *task.Run) {
	node := run.Node()
	command := node.Command
	prefix := command.ResolvePrefix(node.ID)
	router := invocation.scheduler.router

	if err := run.Start(); err != nil {
		return
	}

	stdout := router.Writer(node.ID, prefix, protocol.StreamStdout)
	stderr := router.Writer(node.ID, prefix, protocol.StreamStderr)
	defer stdout.Close()
	defer stderr.Close()

	handle, err := invocation.scheduler.supervisor.Start(process.Spec{
		Name:    node.Label,
		Command: command.Sh,
		Dir:     invocation.dir(command),
		Env:     invocation.environment(node),
		PTY:     command.PTY,
	}, stdout, stderr)
	if err != nil {
		router.Emit(protocol.StreamStderr, node.ID, prefix, err.Error())
		invocation.logger.Warn("spawn failed", map[string]string{
			"task_id": node.ID,
			"error":   err.Error(),
		})
		_ = run.Fail(err.Error(), nil)
		return
	}

	var deadline <-chan time.Time
	if command.Timeout > 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	outcome := ""
	select {
	case <-handle.Done():
	case <-ctx.Done():
		outcome = reasonCancelled
	case <-deadline:
		outcome = reasonTimedOut
	}
	if outcome != "" {
		forced := handle.Terminate(invocation.scheduler.grace)
		invocation.logger.Debug("process terminated", map[string]string{
			"task_id": node.ID,
			"reason":  outcome,
			"forced":  strconv.FormatBool(forced),
		})
	}

	code, waitErr := handle.Wait()
	switch {
	case outcome == reasonCancelled:
		_ = run.Cancel(reasonCancelled)
	case outcome == reasonTimedOut:
		_ = run.Fail(reasonTimedOut, &code)
	case waitErr != nil:
		_ = run.Fail(waitErr.Error(), &code)
	case code == 0:
		_ = run.Succeed(0)
	default:
		_ = run.Fail("exit status "+strconv.Itoa(code), &code)
	}
}

func (invocation *invocation) dir(command task.Command) string {
	if command.Dir != "" {
		return command.Dir
	}
	return invocation.scheduler.dir
}

func (invocation *invocation) environment(node *task.Node) []string {
	env := []string{
		"TERM=xterm-256color",
		"CLICOLOR=1",
		"CLICOLOR_FORCE=1",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"DEVLOOP_REASON=" + invocation.trigger.Reason,
		"DEVLOOP_FILES=" + invocation.trigger.filesValue(),
		"DEVLOOP_TASK_ID=" + node.ID,
		"DEVLOOP_INVOCATION_ID=" + invocation.id,
	}
	env = appendSorted(env, invocation.scheduler.env)
	env = appendSorted(env, node.Command.Env)
	return env
}

func appendSorted(env []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}

func cancelAll(runs []*task.Run) {
	for _, run := range runs {
		run.CancelRemaining(reasonCancelled)
	}
}

// workingDir is the default directory for processes when none is configured.
func workingDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}
