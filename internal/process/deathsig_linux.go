//go:build linux

package process

import "syscall"

// setDeathSignal asks the kernel to terminate the child if the orchestrator dies first.
func setDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = syscall.SIGTERM
}
