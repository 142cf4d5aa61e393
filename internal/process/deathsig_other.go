//go:build !linux && !windows

package process

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {}
