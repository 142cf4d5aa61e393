//go:build linux

package process

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// groupAlive reports whether a member of the process group (or pid, without a group)
// is still running. Zombies do not count: an orphan waiting for a reaper has already
// finished its cleanup.
func groupAlive(pid, pgid int) bool {
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	if target == 0 {
		return false
	}
	if err := unix.Kill(target, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if pgid <= 0 {
		return processRunning(pid)
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	for _, entry := range entries {
		member, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		group, state, ok := readStat(member)
		if ok && group == pgid && state != 'Z' && state != 'X' {
			return true
		}
	}
	return false
}

func processRunning(pid int) bool {
	_, state, ok := readStat(pid)
	return ok && state != 'Z' && state != 'X'
}

// readStat returns the process group and state from /proc/<pid>/stat.
func readStat(pid int) (int, byte, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	// The command name is parenthesized and may itself contain ") ".
	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 3 || len(fields[0]) == 0 {
		return 0, 0, false
	}
	group, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, false
	}
	return group, fields[0][0], true
}
