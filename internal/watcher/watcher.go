package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce        = 300 * time.Millisecond
	defaultMaxWatches      = 8192
	defaultCleanupInterval = time.Minute
	maxRestartAttempts     = 3
	restartBaseDelay       = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// New creates a Watcher with default options publishing to publisher.
func New(publisher event.Publisher) (*Watcher, error) {
	return NewWithOptions(Options{Publisher: publisher})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	patterns := append([]string(nil), options.Ignore...)
	if !options.NoDefaultIgnores {
		patterns = append(append([]string(nil), DefaultIgnores...), patterns...)
	}
	ignore, err := NewIgnoreRules(patterns)
	if err != nil {
		return nil, err
	}

	backend, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	publisher := options.Publisher
	if publisher == nil {
		publisher = event.PublishFunc(nil)
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}
	cleanupInterval := options.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	restartTimer := time.NewTimer(time.Hour)
	restartTimer.Stop()

	instance := &Watcher{
		requests:        make(chan func()),
		raw:             make(chan fsnotify.Event, 64),
		errors:          make(chan error, 4),
		stop:            make(chan struct{}),
		exited:          make(chan struct{}),
		publisher:       publisher,
		logger:          logger.Component("watcher"),
		registry:        registry,
		debounce:        debounce,
		ignore:          ignore,
		backend:         backend,
		roots:           make(map[string]*watchRoot),
		dirs:            make(map[string]string),
		parents:         make(map[string]int),
		maxWatches:      maxWatches,
		cleanupInterval: cleanupInterval,
		pending:         newBatch(),
		timer:           timer,
		restartTimer:    restartTimer,
	}

	instance.startForwarder(backend)
	go instance.run()
	return instance, nil
}

// Close stops the watcher. Pending changes are discarded.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.closeOnce.Do(func() { close(watcher.stop) })
	<-watcher.exited
	return watcher.closeErr
}

// Add starts watching path (recursively for directories) and publishes Watching.
func (watcher *Watcher) Add(path string) error {
	var err error
	if doErr := watcher.do(func() { err = watcher.addRoot(path) }); doErr != nil {
		return doErr
	}
	return err
}

// Remove stops watching path and publishes WatchingStopped.
func (watcher *Watcher) Remove(path string) error {
	var err error
	if doErr := watcher.do(func() { err = watcher.removeRoot(filepath.Clean(path)) }); doErr != nil {
		return doErr
	}
	return err
}

// Roots lists the watched roots in sorted order.
func (watcher *Watcher) Roots() []string {
	var roots []string
	_ = watcher.do(func() { roots = watcher.rootPaths() })
	return roots
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	var snapshot Metrics
	_ = watcher.do(func() {
		snapshot = watcher.metrics
		snapshot.Roots = len(watcher.roots)
		snapshot.ActiveWatches = watcher.activeWatches()
		snapshot.RestartAttempts = watcher.restartAttempts
	})
	return snapshot
}

func (watcher *Watcher) Debounce() protocol.DebounceConfig {
	return watcher.debounceConfig()
}

// do runs fn on the owning goroutine and waits for it.
func (watcher *Watcher) do(fn func()) error {
	if watcher == nil {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case watcher.requests <- func() { fn(); close(done) }:
	case <-watcher.exited:
		return ErrClosed
	}
	<-done
	return nil
}

func (watcher *Watcher) run() {
	defer close(watcher.exited)
	cleanup := time.NewTicker(watcher.cleanupInterval)
	defer cleanup.Stop()
	defer watcher.shutdown()

	for {
		select {
		case request := <-watcher.requests:
			request()
		case rawEvent := <-watcher.raw:
			watcher.handleEvent(rawEvent)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-watcher.timer.C:
			watcher.flush()
		case <-watcher.restartTimer.C:
			watcher.performRestart()
		case <-cleanup.C:
			watcher.cleanup()
		case <-watcher.stop:
			return
		}
	}
}

func (watcher *Watcher) shutdown() {
	watcher.timer.Stop()
	watcher.restartTimer.Stop()
	if watcher.backend != nil {
		watcher.closeErr = watcher.backend.Close()
		watcher.backend = nil
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case rawEvent, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.raw <- rawEvent:
				case <-watcher.stop:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.stop:
					return
				}
			case <-watcher.stop:
				return
			}
		}
	}()
}

func (watcher *Watcher) addRoot(path string) error {
	if path == "" {
		return errors.New("path is required")
	}
	path = filepath.Clean(path)
	if _, ok := watcher.roots[path]; ok {
		return nil
	}
	if err := watcher.registerRoot(path); err != nil {
		return err
	}
	watcher.publish(protocol.NewWatching([]string{path}, watcher.debounceConfig()))
	return nil
}

// registerRoot adds path and its subdirectories to the backend without announcing it.
func (watcher *Watcher) registerRoot(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	root := &watchRoot{path: path, isDir: info.IsDir()}
	if !root.isDir {
		return watcher.registerFileRoot(root)
	}
	targets := []string{path}
	if root.isDir {
		targets = append(targets, watcher.collectDirs(path, path)...)
	}
	if watcher.activeWatches()+len(targets) > watcher.maxWatches {
		return fmt.Errorf("watch %s: %w", path, ErrMaxWatchesExceeded)
	}

	added := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := watcher.backend.Add(target); err != nil {
			for _, rollback := range added {
				_ = watcher.backend.Remove(rollback)
				delete(watcher.dirs, rollback)
			}
			watcher.logWarn("watch add failed", map[string]string{"path": target, "error": err.Error()})
			return fmt.Errorf("watch %s: %w", target, err)
		}
		watcher.dirs[target] = path
		added = append(added, target)
	}
	watcher.roots[path] = root
	watcher.logDebug("watch added", path)
	return nil
}

// registerFileRoot watches the file's directory rather than the file itself, so the
// root survives editors that save by renaming a new file over the old one. Events for
// siblings are dropped by rootFor.
func (watcher *Watcher) registerFileRoot(root *watchRoot) error {
	parent := filepath.Dir(root.path)
	if !watcher.backendWatches(parent) {
		if watcher.activeWatches()+1 > watcher.maxWatches {
			return fmt.Errorf("watch %s: %w", root.path, ErrMaxWatchesExceeded)
		}
		if err := watcher.backend.Add(parent); err != nil {
			watcher.logWarn("watch add failed", map[string]string{"path": parent, "error": err.Error()})
			return fmt.Errorf("watch %s: %w", root.path, err)
		}
	}
	watcher.parents[parent]++
	watcher.roots[root.path] = root
	watcher.logDebug("watch added", root.path)
	return nil
}

func (watcher *Watcher) backendWatches(dir string) bool {
	if _, ok := watcher.dirs[dir]; ok {
		return true
	}
	return watcher.parents[dir] > 0
}

func (watcher *Watcher) removeRoot(path string) error {
	if _, ok := watcher.roots[path]; !ok {
		return fmt.Errorf("watch %s: not watched", path)
	}
	watcher.dropRoot(path, true)
	watcher.publish(protocol.NewWatchingStopped([]string{path}))
	return nil
}

// dropRoot forgets root and every directory registered under it.
func (watcher *Watcher) dropRoot(path string, unregister bool) {
	if root, ok := watcher.roots[path]; ok && !root.isDir {
		parent := filepath.Dir(path)
		watcher.parents[parent]--
		if watcher.parents[parent] <= 0 {
			delete(watcher.parents, parent)
			if _, ok := watcher.dirs[parent]; !ok && unregister && watcher.backend != nil {
				_ = watcher.backend.Remove(parent)
			}
		}
	}
	for dir, owner := range watcher.dirs {
		if owner != path {
			continue
		}
		if unregister && watcher.backend != nil && watcher.parents[dir] == 0 {
			_ = watcher.backend.Remove(dir)
		}
		delete(watcher.dirs, dir)
	}
	delete(watcher.roots, path)
	watcher.logDebug("watch removed", path)
}

func (watcher *Watcher) handleEvent(rawEvent fsnotify.Event) {
	path := filepath.Clean(rawEvent.Name)
	root := watcher.rootFor(path)
	if root == "" {
		return
	}
	if watcher.ignore.Match(root, path) {
		watcher.metrics.EventsIgnored++
		return
	}

	var kind protocol.ChangeKind
	switch {
	case rawEvent.Has(fsnotify.Remove), rawEvent.Has(fsnotify.Rename):
		kind = protocol.ChangeRemoved
	case rawEvent.Has(fsnotify.Create):
		kind = protocol.ChangeAdded
	case rawEvent.Has(fsnotify.Write):
		kind = protocol.ChangeChanged
	case rawEvent.Has(fsnotify.Chmod):
		info, err := os.Lstat(path)
		if err != nil || info.IsDir() {
			return
		}
		kind = protocol.ChangeChanged
	default:
		return
	}

	switch kind {
	case protocol.ChangeRemoved:
		if path == root && watcher.roots[root].isDir {
			watcher.dropRoot(root, false)
			watcher.logWarn("watched root removed", map[string]string{"path": root})
			watcher.publish(protocol.NewWatchingStopped([]string{root}))
			return
		}
		delete(watcher.dirs, path)
	case protocol.ChangeAdded:
		watcher.watchCreatedDir(root, path)
	}

	watcher.record(path, kind)
}

func (watcher *Watcher) record(path string, kind protocol.ChangeKind) {
	if watcher.pending.record(path, kind) {
		watcher.metrics.EventsCoalesced++
	}
	watcher.armDebounce()
}

func (watcher *Watcher) rootFor(path string) string {
	if _, ok := watcher.roots[path]; ok {
		return path
	}
	if owner, ok := watcher.dirs[path]; ok {
		return owner
	}
	if owner, ok := watcher.dirs[filepath.Dir(path)]; ok {
		return owner
	}
	return ""
}

// cleanup drops roots that vanished without a notification. A file root lives as long
// as its directory, so it is picked up again when the file reappears.
func (watcher *Watcher) cleanup() {
	for _, path := range watcher.rootPaths() {
		target := path
		if !watcher.roots[path].isDir {
			target = filepath.Dir(path)
		}
		if _, err := os.Stat(target); err == nil {
			continue
		}
		watcher.dropRoot(path, true)
		watcher.logWarn("watched root vanished", map[string]string{"path": path})
		watcher.publish(protocol.NewWatchingStopped([]string{path}))
	}
}

func (watcher *Watcher) rootPaths() []string {
	paths := make([]string, 0, len(watcher.roots))
	for path := range watcher.roots {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (watcher *Watcher) activeWatches() int {
	count := len(watcher.dirs)
	for parent := range watcher.parents {
		if _, ok := watcher.dirs[parent]; !ok {
			count++
		}
	}
	return count
}

func (watcher *Watcher) publish(envelope protocol.Envelope) {
	watcher.publisher.Publish(envelope)
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logDebug(message, path string) {
	if !watcher.logger.Enabled(logging.LevelDebug) {
		return
	}
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(watcher.activeWatches()),
	})
}
