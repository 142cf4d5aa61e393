package watcher

import (
	"sync"
	"time"

	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/protocol"
	"github.com/fsnotify/fsnotify"
)

// Options controls watcher behavior.
type Options struct {
	Logger    *logging.Logger
	Publisher event.Publisher
	Registry  *metrics.Registry
	// Debounce is the trailing window; every qualifying event restarts it.
	Debounce time.Duration
	// Ignore adds patterns to the default ignore set.
	Ignore           []string
	NoDefaultIgnores bool
	MaxWatches       int
	// CleanupInterval is how often roots are checked for having vanished without a notification.
	CleanupInterval time.Duration
}

// Metrics reports current watcher stats.
type Metrics struct {
	Roots           int
	ActiveWatches   int
	Batches         uint64
	EventsCoalesced uint64
	EventsIgnored   uint64
	Errors          uint64
	Restarts        uint64
	RestartAttempts int
}

type watchRoot struct {
	path  string
	isDir bool
}

// Watcher is the fsnotify-backed debounced watcher. All fields below requests are
// owned by the run goroutine.
type Watcher struct {
	requests  chan func()
	raw       chan fsnotify.Event
	errors    chan error
	stop      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	publisher event.Publisher
	logger    *logging.Logger
	registry  *metrics.Registry
	debounce  time.Duration
	ignore    *IgnoreRules

	backend         *fsnotify.Watcher
	roots           map[string]*watchRoot
	dirs            map[string]string
	// parents counts file roots per watched parent directory.
	parents         map[string]int
	maxWatches      int
	cleanupInterval time.Duration
	pending         *batch
	timer           *time.Timer
	restartTimer    *time.Timer
	restartAttempts int
	restartPending  bool
	metrics         Metrics
	closeErr        error
}

func (watcher *Watcher) debounceConfig() protocol.DebounceConfig {
	return protocol.TrailingDebounce(watcher.debounce)
}
