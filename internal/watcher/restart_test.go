package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"devloop/internal/event"
	"devloop/internal/protocol"
)

func TestRestartDelayBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: restartBaseDelay},
		{attempt: 1, expected: restartBaseDelay * 2},
		{attempt: 2, expected: restartBaseDelay * 4},
	}

	for _, testCase := range cases {
		if got := restartDelay(testCase.attempt); got != testCase.expected {
			t.Fatalf("attempt %d: expected %s, got %s", testCase.attempt, testCase.expected, got)
		}
	}
}

func TestBackendErrorRestartsAndKeepsWatching(t *testing.T) {
	watcher, envelopes := newTestWatcher(t, Options{Debounce: 40 * time.Millisecond})
	dir := t.TempDir()
	if err := watcher.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	event.ExpectKind(t, envelopes, protocol.KindWatching, time.Second)

	if err := watcher.do(func() {
		watcher.handleError(errors.New("queue overflow"))
		watcher.handleError(errors.New("queue overflow"))
	}); err != nil {
		t.Fatalf("inject error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for watcher.Metrics().Restarts == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for restart")
		}
		time.Sleep(20 * time.Millisecond)
	}
	metrics := watcher.Metrics()
	if metrics.Errors != 2 || metrics.RestartAttempts != 0 {
		t.Fatalf("expected 2 errors and reset attempts, got %+v", metrics)
	}

	path := filepath.Join(dir, "after.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	envelope := event.ExpectKind(t, envelopes, protocol.KindFilesChanged, time.Second)
	if paths := envelope.Payload.(protocol.FilesChangedPayload).Paths; len(paths) != 1 || paths[0] != path {
		t.Fatalf("expected %s after restart, got %v", path, paths)
	}
}

func TestExhaustedRestartsStopEveryRoot(t *testing.T) {
	watcher, envelopes := newTestWatcher(t, Options{})
	dir := t.TempDir()
	if err := watcher.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	event.ExpectKind(t, envelopes, protocol.KindWatching, time.Second)

	if err := watcher.do(func() {
		watcher.restartAttempts = maxRestartAttempts
		watcher.handleError(errors.New("fatal"))
	}); err != nil {
		t.Fatalf("inject error: %v", err)
	}
	envelope := event.ExpectKind(t, envelopes, protocol.KindWatchingStopped, time.Second)
	if paths := envelope.Payload.(protocol.WatchingStoppedPayload).Paths; len(paths) != 1 || paths[0] != filepath.Clean(dir) {
		t.Fatalf("expected %s stopped, got %v", dir, paths)
	}
}
