package main

import (
	"context"
	"os"
	"sync/atomic"

	"devloop/internal/logging"
)

// signalWatch follows termination requests for one command invocation.
type signalWatch struct {
	done     chan struct{}
	stopOnce atomic.Bool
	received atomic.Bool
}

// Stop ends the watch. It is safe to call more than once.
func (watch *signalWatch) Stop() {
	if watch.stopOnce.CompareAndSwap(false, true) {
		close(watch.done)
	}
}

// Received reports whether a termination request caused the cancellation.
func (watch *signalWatch) Received() bool {
	return watch.received.Load()
}

// watchShutdownSignals cancels on the first signal. Later signals are logged once and
// otherwise ignored so in-flight processes keep their grace period.
func watchShutdownSignals(logger *logging.Logger, shutdownCancel context.CancelFunc, signalCh <-chan os.Signal) *signalWatch {
	watch := &signalWatch{done: make(chan struct{})}
	if signalCh == nil {
		return watch
	}
	if logger == nil {
		logger = logging.Discard()
	}

	var loggedRepeat atomic.Bool

	go func() {
		for {
			select {
			case <-watch.done:
				return
			case sig, ok := <-signalCh:
				if !ok {
					return
				}
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				if watch.received.CompareAndSwap(false, true) {
					logger.Info("shutdown signal received", fields)
					if shutdownCancel != nil {
						shutdownCancel()
					}
					continue
				}
				if loggedRepeat.CompareAndSwap(false, true) {
					logger.Info("shutdown already in progress; ignoring signal", fields)
				}
			}
		}
	}()

	return watch
}
