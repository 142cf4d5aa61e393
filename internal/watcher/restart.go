package watcher

import (
	"strconv"
	"time"

	"devloop/internal/protocol"
	"github.com/fsnotify/fsnotify"
)

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	watcher.metrics.Errors++
	watcher.logWarn("watcher error", map[string]string{
		"error": err.Error(),
	})
	watcher.scheduleRestart()
}

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (watcher *Watcher) scheduleRestart() {
	if watcher.restartPending {
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		watcher.abandon()
		return
	}
	delay := restartDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.restartPending = true
	watcher.restartTimer.Reset(delay)
}

// performRestart replaces the fsnotify handle and re-adds every root. Roots that
// cannot be re-added are reported stopped; the rest keep working.
func (watcher *Watcher) performRestart() {
	watcher.restartPending = false
	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		watcher.logWarn("watcher restart failed", map[string]string{
			"error":   err.Error(),
			"attempt": strconv.Itoa(watcher.restartAttempts),
		})
		watcher.scheduleRestart()
		return
	}

	previous := watcher.backend
	watcher.backend = replacement
	if previous != nil {
		_ = previous.Close()
	}
	watcher.startForwarder(replacement)

	var stopped []string
	watcher.parents = make(map[string]int)
	for _, root := range watcher.rootPaths() {
		for dir, owner := range watcher.dirs {
			if owner == root {
				delete(watcher.dirs, dir)
			}
		}
		delete(watcher.roots, root)
		if err := watcher.registerRoot(root); err != nil {
			watcher.logWarn("watcher re-add failed", map[string]string{
				"path":  root,
				"error": err.Error(),
			})
			stopped = append(stopped, root)
		}
	}
	watcher.metrics.Restarts++
	watcher.registry.IncWatchRestart()
	watcher.restartAttempts = 0
	if len(stopped) > 0 {
		watcher.publish(protocol.NewWatchingStopped(stopped))
	}
}

// abandon gives up on the backend: every root is reported stopped.
func (watcher *Watcher) abandon() {
	roots := watcher.rootPaths()
	for _, root := range roots {
		watcher.dropRoot(root, false)
	}
	watcher.logger.Error("watcher restart attempts exhausted", map[string]string{
		"roots": strconv.Itoa(len(roots)),
	})
	if len(roots) > 0 {
		watcher.publish(protocol.NewWatchingStopped(roots))
	}
}
