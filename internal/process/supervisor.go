// Package process spawns task commands and enforces the two-phase shutdown:
// a termination signal, a grace window, then a forced kill only if the window elapses.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"devloop/internal/logging"
	"devloop/internal/metrics"
)

const (
	DefaultGrace      = 5 * time.Second
	defaultShell      = "sh"
	defaultWaitDelay  = time.Second
	groupPollInterval = 20 * time.Millisecond
)

var ErrProcessNotFound = errors.New("process not running")

// Spec describes one process to start.
type Spec struct {
	Name    string
	Command string
	Dir     string
	// Env entries (KEY=VALUE) are appended to the orchestrator's environment.
	Env []string
	PTY bool
}

type Options struct {
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Shell    string
	Grace    time.Duration
	Registry *Registry
}

// Supervisor starts processes and tracks them until they exit.
type Supervisor struct {
	logger   *logging.Logger
	metrics  *metrics.Registry
	shell    string
	grace    time.Duration
	registry *Registry
}

func NewSupervisor(options Options) *Supervisor {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	shell := options.Shell
	if shell == "" {
		shell = defaultShell
	}
	grace := options.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	metricsRegistry := options.Metrics
	if metricsRegistry == nil {
		metricsRegistry = metrics.Default
	}
	return &Supervisor{
		logger:   logger.Component("process"),
		metrics:  metricsRegistry,
		shell:    shell,
		grace:    grace,
		registry: registry,
	}
}

func (supervisor *Supervisor) Grace() time.Duration {
	return supervisor.grace
}

func (supervisor *Supervisor) Registry() *Registry {
	return supervisor.registry
}

// Start runs spec.Command under the shell. Output is copied to stdout and stderr until
// every process holding the streams has closed them; in PTY mode both streams arrive
// on stdout.
func (supervisor *Supervisor) Start(spec Spec, stdout, stderr io.Writer) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	cmd := exec.Command(supervisor.shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = newSysProcAttr()

	handle := &Handle{
		name:        spec.Name,
		cmd:         cmd,
		copied:      make(chan struct{}),
		terminating: make(chan struct{}),
		groupGone:   make(chan struct{}),
		done:        make(chan struct{}),
	}

	var err error
	if spec.PTY {
		err = handle.startPTY(stdout)
	} else {
		err = handle.startPipes(stdout, stderr)
	}
	if err != nil {
		supervisor.metrics.IncSpawnFailure()
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	handle.pid = cmd.Process.Pid
	handle.pgid = GroupID(handle.pid)
	supervisor.metrics.IncProcessSpawned()
	supervisor.registry.Register(handle)
	supervisor.logger.Debug("process started", map[string]string{
		"name": spec.Name,
		"pid":  strconv.Itoa(handle.pid),
	})

	go func() {
		handle.wait()
		supervisor.registry.Unregister(handle)
		if handle.Forced() {
			supervisor.metrics.IncProcessForceKilled()
		}
		supervisor.logger.Debug("process exited", map[string]string{
			"name":      spec.Name,
			"pid":       strconv.Itoa(handle.pid),
			"exit_code": strconv.Itoa(handle.exitCode),
		})
	}()
	return handle, nil
}

// StopAll terminates every live process concurrently with the configured grace.
func (supervisor *Supervisor) StopAll(ctx context.Context) error {
	return supervisor.registry.StopAll(ctx, supervisor.grace)
}

// Handle is a started process.
type Handle struct {
	name    string
	cmd     *exec.Cmd
	pid     int
	pgid    int
	outputs []*os.File
	// copied is closed once every output stream reached EOF or was closed.
	copied chan struct{}
	// terminating is closed when Terminate sends the first signal.
	terminating chan struct{}
	// groupGone is closed by Terminate once no member of the process group is left.
	groupGone chan struct{}
	done      chan struct{}
	exitCode  int
	waitErr   error
	forced    atomic.Bool
	termOnce  sync.Once
	goneOnce  sync.Once
	closeOnce sync.Once
}

// startPipes hands the child the write ends of two pipes. The child's descendants
// inherit them, so EOF means every writer in the tree has exited.
func (handle *Handle) startPipes(stdout, stderr io.Writer) error {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return err
	}
	handle.cmd.Stdout = stdoutW
	handle.cmd.Stderr = stderrW
	err = handle.cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return err
	}
	handle.outputs = []*os.File{stdoutR, stderrR}
	handle.copyOutputs(stdout, stderr)
	return nil
}

func (handle *Handle) startPTY(stdout io.Writer) error {
	master, err := startPTY(handle.cmd)
	if err != nil {
		return err
	}
	handle.outputs = []*os.File{master}
	handle.copyOutputs(stdout)
	return nil
}

func (handle *Handle) copyOutputs(writers ...io.Writer) {
	var wg sync.WaitGroup
	for i, output := range handle.outputs {
		wg.Add(1)
		go func(output *os.File, writer io.Writer) {
			defer wg.Done()
			_, _ = io.Copy(writer, output)
		}(output, writers[i])
	}
	go func() {
		wg.Wait()
		close(handle.copied)
	}()
}

func (handle *Handle) closeOutputs() {
	handle.closeOnce.Do(func() {
		for _, output := range handle.outputs {
			_ = output.Close()
		}
	})
}

func (handle *Handle) wait() {
	err := handle.cmd.Wait()
	handle.exitCode = exitCode(handle.cmd.ProcessState)
	if err != nil && !isExitError(err) {
		handle.waitErr = err
	}
	handle.drainOutputs()
	close(handle.done)
}

// drainOutputs waits for the streams to reach EOF after the shell exited. A background
// process that keeps them open gets defaultWaitDelay. While a termination is in
// progress the streams stay open until the whole group is gone, so cleanup output of
// descendants is never cut off inside their grace window.
func (handle *Handle) drainOutputs() {
	defer func() {
		handle.closeOutputs()
		<-handle.copied
	}()

	timer := time.NewTimer(defaultWaitDelay)
	defer timer.Stop()
	select {
	case <-handle.copied:
		return
	case <-timer.C:
		return
	case <-handle.terminating:
	}

	select {
	case <-handle.copied:
		return
	case <-handle.groupGone:
	}
	final := time.NewTimer(defaultWaitDelay)
	defer final.Stop()
	select {
	case <-handle.copied:
	case <-final.C:
	}
}

func (handle *Handle) PID() int {
	return handle.pid
}

func (handle *Handle) Name() string {
	return handle.name
}

// Done is closed once the process has exited and its output has been drained.
func (handle *Handle) Done() <-chan struct{} {
	return handle.done
}

// Wait blocks until exit and returns the exit code. err is set only for failures
// other than a non-zero exit.
func (handle *Handle) Wait() (int, error) {
	<-handle.done
	return handle.exitCode, handle.waitErr
}

func (handle *Handle) Exited() bool {
	select {
	case <-handle.done:
		return true
	default:
		return false
	}
}

func (handle *Handle) Forced() bool {
	return handle.forced.Load()
}

// Terminate signals the process group and waits until no member of the group is left.
// If any member is still running when grace elapses the group is killed and forced is
// true. Output produced during the window keeps flowing and does not affect the timer.
func (handle *Handle) Terminate(grace time.Duration) bool {
	if handle.Exited() {
		return handle.Forced()
	}
	handle.termOnce.Do(func() {
		close(handle.terminating)
		_ = terminateGroup(handle.pid, handle.pgid)
	})

	if !handle.awaitGroupExit(grace) {
		handle.forced.Store(true)
		_ = killGroup(handle.pid, handle.pgid)
		handle.awaitGroupExit(defaultWaitDelay)
	}
	handle.goneOnce.Do(func() {
		close(handle.groupGone)
	})
	<-handle.done
	return handle.Forced()
}

// awaitGroupExit polls the process group until it is empty or timeout elapses.
func (handle *Handle) awaitGroupExit(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for groupAlive(handle.pid, handle.pgid) {
		select {
		case <-deadline.C:
			return !groupAlive(handle.pid, handle.pgid)
		case <-ticker.C:
		}
	}
	return true
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
