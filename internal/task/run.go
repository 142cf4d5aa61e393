package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"devloop/internal/protocol"
)

type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

func (state State) Terminal() bool {
	switch state {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

var ErrInvalidTransition = errors.New("invalid run transition")

// TransitionFunc observes every accepted state change.
type TransitionFunc func(id string, from, to State)

// Run is the runtime instance of a node for one invocation. States only move forward:
// Pending to Running or Cancelled, Running to a terminal state.
type Run struct {
	mu       sync.Mutex
	node     *Node
	state    State
	exitCode *int
	reason   string
	started  time.Time
	finished time.Time
	children []*Run
	observe  TransitionFunc
}

// NewRun builds a Pending run for node and every descendant.
func NewRun(node *Node, observe TransitionFunc) *Run {
	run := &Run{node: node, state: StatePending, observe: observe}
	for _, child := range node.Children {
		run.children = append(run.children, NewRun(child, observe))
	}
	return run
}

func (run *Run) Node() *Node {
	return run.node
}

func (run *Run) ID() string {
	return run.node.ID
}

func (run *Run) Children() []*Run {
	return run.children
}

func (run *Run) State() State {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.state
}

func (run *Run) ExitCode() (int, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.exitCode == nil {
		return 0, false
	}
	return *run.exitCode, true
}

func (run *Run) Reason() string {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.reason
}

func (run *Run) Start() error {
	return run.transition(StateRunning, "", nil)
}

func (run *Run) Succeed(exitCode int) error {
	return run.transition(StateSucceeded, "", &exitCode)
}

// Complete settles a group run as Succeeded. Groups carry no exit code.
func (run *Run) Complete() error {
	return run.transition(StateSucceeded, "", nil)
}

// Fail settles the run as Failed. exitCode is nil when the process never produced one.
func (run *Run) Fail(reason string, exitCode *int) error {
	return run.transition(StateFailed, reason, exitCode)
}

func (run *Run) Cancel(reason string) error {
	return run.transition(StateCancelled, reason, nil)
}

// CancelRemaining settles every non-terminal run in this subtree as Cancelled.
func (run *Run) CancelRemaining(reason string) {
	for _, child := range run.children {
		child.CancelRemaining(reason)
	}
	_ = run.Cancel(reason)
}

func (run *Run) transition(to State, reason string, exitCode *int) error {
	run.mu.Lock()
	from := run.state
	if !allowed(from, to) {
		run.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, run.node.ID, from, to)
	}
	run.state = to
	now := time.Now()
	if to == StateRunning {
		run.started = now
	}
	if to.Terminal() {
		run.finished = now
		run.reason = reason
		if exitCode != nil {
			code := *exitCode
			run.exitCode = &code
		}
	}
	run.mu.Unlock()

	if run.observe != nil {
		run.observe(run.node.ID, from, to)
	}
	return nil
}

func allowed(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Report summarizes the subtree as a TaskReport payload.
func (run *Run) Report() protocol.TaskReportPayload {
	run.mu.Lock()
	report := protocol.TaskReportPayload{
		ID:    run.node.ID,
		Label: run.node.Label,
		State: string(run.state),
		Error: run.reason,
	}
	if run.exitCode != nil {
		code := *run.exitCode
		report.ExitCode = &code
	}
	if !run.started.IsZero() && !run.finished.IsZero() {
		report.DurationMs = run.finished.Sub(run.started).Milliseconds()
	}
	run.mu.Unlock()

	for _, child := range run.children {
		report.Children = append(report.Children, child.Report())
	}
	return report
}
