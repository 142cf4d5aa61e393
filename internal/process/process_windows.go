//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func GroupID(pid int) int {
	return 0
}

func newSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty is not supported on windows")
}

// terminateGroup has no signal to send on windows; the grace window is skipped.
func terminateGroup(pid, pgid int) error {
	return killGroup(pid, pgid)
}

func killGroup(pid, pgid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	return process.Kill()
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

// groupAlive is false on windows: terminateGroup already killed the process.
func groupAlive(pid, pgid int) bool {
	return false
}

func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	return err == nil && process != nil
}
