package watcher

import (
	"io/fs"
	"os"
	"path/filepath"

	"devloop/internal/protocol"
)

// collectDirs walks base and returns every non-ignored subdirectory.
func (watcher *Watcher) collectDirs(root, base string) []string {
	dirs := []string{}
	_ = filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() || path == base {
			return nil
		}
		if watcher.ignore.Match(root, path) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs
}

// watchCreatedDir extends the watch set to a directory that appeared under root.
// Files already inside it are recorded as Added since their events were missed.
func (watcher *Watcher) watchCreatedDir(root, path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if _, ok := watcher.dirs[path]; ok {
		return
	}
	targets := append([]string{path}, watcher.collectDirs(root, path)...)
	for _, target := range targets {
		if watcher.activeWatches() >= watcher.maxWatches {
			watcher.logWarn("watch limit reached", map[string]string{"path": target})
			return
		}
		if err := watcher.backend.Add(target); err != nil {
			watcher.logWarn("watch add failed", map[string]string{"path": target, "error": err.Error()})
			continue
		}
		watcher.dirs[target] = root
	}
	for _, target := range targets {
		entries, err := os.ReadDir(target)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			child := filepath.Join(target, entry.Name())
			if watcher.ignore.Match(root, child) {
				continue
			}
			watcher.record(child, protocol.ChangeAdded)
		}
	}
	watcher.logDebug("watch extended", path)
}
