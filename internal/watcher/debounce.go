package watcher

import (
	"devloop/internal/protocol"
)

// batch accumulates per-path change kinds in first-seen order until the window closes.
type batch struct {
	kinds map[string]protocol.ChangeKind
	order []string
}

func newBatch() *batch {
	return &batch{kinds: make(map[string]protocol.ChangeKind)}
}

// record folds kind into the path's pending change. It reports whether an earlier
// event for the same path was absorbed.
func (b *batch) record(path string, kind protocol.ChangeKind) bool {
	previous, seen := b.kinds[path]
	if !seen {
		b.kinds[path] = kind
		b.order = append(b.order, path)
		return false
	}
	merged, keep := coalesce(previous, kind)
	if !keep {
		delete(b.kinds, path)
		b.removeFromOrder(path)
		return true
	}
	b.kinds[path] = merged
	return true
}

func (b *batch) removeFromOrder(path string) {
	for index, candidate := range b.order {
		if candidate == path {
			b.order = append(b.order[:index], b.order[index+1:]...)
			return
		}
	}
}

func (b *batch) empty() bool {
	return b == nil || len(b.kinds) == 0
}

func (b *batch) changes() []protocol.PathChange {
	if b.empty() {
		return nil
	}
	out := make([]protocol.PathChange, 0, len(b.order))
	for _, path := range b.order {
		out = append(out, protocol.PathChange{Path: path, ChangeKind: b.kinds[path]})
	}
	return out
}

// coalesce merges two consecutive kinds for one path within a window.
// keep is false when the path was created and removed inside the same window.
func coalesce(previous, next protocol.ChangeKind) (protocol.ChangeKind, bool) {
	switch previous {
	case protocol.ChangeAdded:
		switch next {
		case protocol.ChangeRemoved:
			return "", false
		default:
			return protocol.ChangeAdded, true
		}
	case protocol.ChangeRemoved:
		switch next {
		case protocol.ChangeRemoved:
			return protocol.ChangeRemoved, true
		default:
			return protocol.ChangeChanged, true
		}
	default:
		if next == protocol.ChangeRemoved {
			return protocol.ChangeRemoved, true
		}
		return protocol.ChangeChanged, true
	}
}

// armDebounce restarts the trailing window.
func (watcher *Watcher) armDebounce() {
	watcher.timer.Reset(watcher.debounce)
}

func (watcher *Watcher) flush() {
	if watcher.pending.empty() {
		return
	}
	changes := watcher.pending.changes()
	watcher.pending = newBatch()
	watcher.metrics.Batches++
	watcher.registry.IncWatchBatch()
	if len(changes) == 1 {
		watcher.publish(protocol.NewFileChanged(changes[0].Path))
	}
	watcher.publish(protocol.NewFilesChanged(protocol.FromChanges(changes)))
}
