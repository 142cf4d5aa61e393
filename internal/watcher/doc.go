// Package watcher turns raw filesystem notifications into debounced change batches.
//
// A single goroutine owns the fsnotify handle, the watch set, the ignore rules and the
// debounce timer. Add, Remove and Metrics are requests to that goroutine, so the watch
// set is never shared. Every quiescent batch is published as one FilesChanged envelope.
package watcher
