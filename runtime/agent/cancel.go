package agent

import (
	"context"
	"sync"
)

// MemoryCancelFlags is a process-local CancelFlags implementation for
// development and tests. Production deployments use the replicated map
// backend so every node observes the flag.
type MemoryCancelFlags struct {
	mu    sync.RWMutex
	flags map[string]struct{}
}

// NewMemoryCancelFlags creates an empty in-process flag set.
func NewMemoryCancelFlags() *MemoryCancelFlags {
	return &MemoryCancelFlags{flags: make(map[string]struct{})}
}

// Set marks taskID for cancellation.
func (f *MemoryCancelFlags) Set(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[taskID] = struct{}{}
	return nil
}

// Clear removes taskID's cancellation mark.
func (f *MemoryCancelFlags) Clear(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, taskID)
	return nil
}

// Cancelled reports whether taskID is marked.
func (f *MemoryCancelFlags) Cancelled(taskID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.flags[taskID]
	return ok
}
