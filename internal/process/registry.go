package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry tracks live handles so a top-level shutdown can reach every process.
type Registry struct {
	mu      sync.Mutex
	handles map[int]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[int]*Handle),
	}
}

func (r *Registry) Register(handle *Handle) {
	if r == nil || handle == nil || handle.pid <= 0 {
		return
	}
	r.mu.Lock()
	r.handles[handle.pid] = handle
	r.mu.Unlock()
}

func (r *Registry) Unregister(handle *Handle) {
	if r == nil || handle == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.handles[handle.pid]; ok && current == handle {
		delete(r.handles, handle.pid)
	}
	r.mu.Unlock()
}

// Live returns the pids of running processes in ascending order.
func (r *Registry) Live() []int {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	pids := make([]int, 0, len(r.handles))
	for pid, handle := range r.handles {
		if isProcessAlive(pid) && !handle.Exited() {
			pids = append(pids, pid)
		}
	}
	r.mu.Unlock()
	sort.Ints(pids)
	return pids
}

// StopAll terminates every registered handle concurrently. It returns once all of them
// have exited, or with the context error if ctx ends first.
func (r *Registry) StopAll(ctx context.Context, grace time.Duration) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, handle := range handles {
		wg.Add(1)
		go func(handle *Handle) {
			defer wg.Done()
			handle.Terminate(grace)
		}(handle)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %d processes: %w", len(handles), ctx.Err())
	}
}
