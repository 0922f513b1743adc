package pulse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/swarmlab/overseer/runtime/agent"
)

// CancelMapName is the replicated map holding soft-cancel flags.
const CancelMapName = "overseer:cancel"

// CancelFlags is the replicated implementation of agent.CancelFlags. Every
// node joined to the map sees a flag within the map's propagation delay, so
// an agent running on another process still observes its stop request.
type CancelFlags struct {
	m *rmap.Map
}

// Compile-time check that CancelFlags implements agent.CancelFlags.
var _ agent.CancelFlags = (*CancelFlags)(nil)

// JoinCancelFlags joins the shared cancel map on the given Redis connection.
func JoinCancelFlags(ctx context.Context, rdb *redis.Client) (*CancelFlags, error) {
	m, err := rmap.Join(ctx, CancelMapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join cancel map: %w", err)
	}
	return &CancelFlags{m: m}, nil
}

// Set marks taskID for cancellation.
func (f *CancelFlags) Set(ctx context.Context, taskID string) error {
	if _, err := f.m.Set(ctx, taskID, "1"); err != nil {
		return fmt.Errorf("set cancel flag for %s: %w", taskID, err)
	}
	return nil
}

// Clear removes taskID's cancellation mark.
func (f *CancelFlags) Clear(ctx context.Context, taskID string) error {
	if _, err := f.m.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("clear cancel flag for %s: %w", taskID, err)
	}
	return nil
}

// Cancelled reports whether taskID is marked. Reads are local; the map
// replicates asynchronously.
func (f *CancelFlags) Cancelled(taskID string) bool {
	_, ok := f.m.Get(taskID)
	return ok
}

// Close leaves the replicated map.
func (f *CancelFlags) Close() {
	f.m.Close()
}
