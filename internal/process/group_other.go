//go:build !linux && !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// groupAlive reports whether any member of the process group (or pid, without a
// group) still exists.
func groupAlive(pid, pgid int) bool {
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	if target == 0 {
		return false
	}
	err := unix.Kill(target, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
