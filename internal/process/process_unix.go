//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

func GroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

func newSysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	setDeathSignal(attr)
	return attr
}

// startPTY runs cmd as a session leader on a new terminal. setsid already makes it a
// group leader, and setpgid would fail for a session leader.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	if cmd.SysProcAttr != nil {
		cmd.SysProcAttr.Setpgid = false
	}
	return pty.Start(cmd)
}

func terminateGroup(pid, pgid int) error {
	return signalProcessGroup(pid, pgid, unix.SIGTERM)
}

func killGroup(pid, pgid int) error {
	return signalProcessGroup(pid, pgid, unix.SIGKILL)
}

func signalProcessGroup(pid, pgid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrProcessNotFound
	}
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	err := unix.Kill(target, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessNotFound
	}
	return err
}

// exitCode maps a signal death to 128+signal, the shell convention.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
