//go:build !windows

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// cleanupScript keeps its shell as the parent of a trapping child that needs about
// 1.6s to clean up after SIGTERM.
const cleanupScript = `sh -c 'trap "echo cleanup-started; sleep 0.8; echo cleanup-halfway; sleep 0.8; echo cleanup-finished; exit 0" TERM
echo ready
while true; do sleep 0.05; done'; echo after`

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// executeUntilTerminated runs args, sends SIGTERM once marker is printed and returns
// the exit code and stdout.
func executeUntilTerminated(t *testing.T, marker string, args ...string) (int, string) {
	t.Helper()
	settings := filepath.Join(t.TempDir(), "missing.toml")
	stdout := &lockedBuffer{}
	stderr := &lockedBuffer{}
	exited := make(chan int, 1)
	go func() {
		exited <- execute(append([]string{"--settings", settings}, args...), stdout, stderr)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(stdout.String(), marker) {
		if time.Now().After(deadline) {
			t.Fatalf("expected %q before terminating, stdout %q stderr %q", marker, stdout.String(), stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}

	select {
	case code := <-exited:
		return code, stdout.String()
	case <-time.After(15 * time.Second):
		t.Fatalf("expected exit after SIGTERM, stdout %q", stdout.String())
		return 0, ""
	}
}

func TestRunTerminationExitsZeroAfterCleanup(t *testing.T) {
	started := time.Now()
	code, stdout := executeUntilTerminated(t, "ready", "run", "-o", "json", "--grace", "4000", cleanupScript)
	if code != 0 {
		t.Fatalf("expected exit 0 after a termination request, got %d\n%s", code, stdout)
	}
	if !strings.Contains(stdout, "cleanup-finished") {
		t.Fatalf("expected the cleanup to finish, got:\n%s", stdout)
	}
	if !strings.Contains(stdout, `"state":"Cancelled"`) {
		t.Fatalf("expected a cancelled report, got:\n%s", stdout)
	}
	if elapsed := time.Since(started); elapsed < 1500*time.Millisecond {
		t.Fatalf("expected run to wait for cleanup, exited after %s", elapsed)
	}
}

func TestWatchTerminationGivesInFlightRunsTheirGrace(t *testing.T) {
	dir := t.TempDir()
	code, stdout := executeUntilTerminated(t, "ready",
		"watch", dir,
		"--dir", dir,
		"--no-server",
		"--initial-run",
		"-o", "json",
		"--grace", "4000",
		"--run", cleanupScript,
	)
	if code != 0 {
		t.Fatalf("expected exit 0 after a termination request, got %d\n%s", code, stdout)
	}
	for _, marker := range []string{"cleanup-started", "cleanup-finished", `"state":"Cancelled"`} {
		if !strings.Contains(stdout, marker) {
			t.Fatalf("expected %q in output:\n%s", marker, stdout)
		}
	}
}
