// Package livereload bridges change batches to browser clients and decides, per batch,
// whether a page can hot-swap assets or must reload.
package livereload

import (
	"strings"

	"devloop/internal/protocol"
)

type ActionKind string

const (
	ActionNone   ActionKind = "None"
	ActionInject ActionKind = "Inject"
	ActionReload ActionKind = "Reload"
)

// Action is the client response to one change batch. Paths is set for Inject.
type Action struct {
	Kind  ActionKind
	Paths []string
}

var injectableSuffixes = []string{
	".css", ".css.map",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".avif",
}

// Injectable reports whether a path can be swapped in place without a reload.
func Injectable(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range injectableSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Classify is all-or-nothing: one non-injectable leaf turns the whole batch into a reload.
func Classify(changes protocol.ChangeSet) Action {
	leaves, err := changes.Flatten()
	if err != nil {
		return Action{Kind: ActionReload}
	}
	if len(leaves) == 0 {
		return Action{Kind: ActionNone}
	}
	paths := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if !Injectable(leaf.Path) {
			return Action{Kind: ActionReload}
		}
		paths = append(paths, leaf.Path)
	}
	return Action{Kind: ActionInject, Paths: paths}
}
