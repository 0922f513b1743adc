// Package locks implements the file lock registry: per-repository, per-path
// exclusive claims with TTL expiry, conflict detection and owner-scoped
// release. Agents acquire locks before touching files so concurrent tasks
// never edit the same path.
//
// Locks live in the persistence store under lock:<repo>:<path> with the
// holder task id as value. Expired keys are indistinguishable from absent
// ones; callers must not read-then-act on lock state without re-acquiring.
package locks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/swarmlab/overseer/runtime/store"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

type (
	// Registry coordinates file access across agents. It is safe for
	// concurrent use; all state lives in the persistence store.
	Registry struct {
		kv      store.KV
		ttl     time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Result reports the outcome of a conflict check or acquisition attempt.
	// When Acquired is false, ConflictingTask holds the owner of the first
	// (any order) conflicting path and ConflictingFile that path. Callers
	// must not depend on which conflicting path is reported.
	Result struct {
		Acquired        bool
		ConflictingTask string
		ConflictingFile string
	}

	// Option customizes a Registry.
	Option func(*Registry)
)

// DefaultTTL is the lock lifetime applied when a call does not override it.
const DefaultTTL = 30 * time.Minute

// WithDefaultTTL overrides the registry's default lock lifetime.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for acquisition and release events.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for lock instrumentation.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewRegistry creates a file lock registry over the given store.
func NewRegistry(kv store.KV, opts ...Option) *Registry {
	r := &Registry{
		kv:      kv,
		ttl:     DefaultTTL,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the storage key for a lock on path within repo.
func Key(repo, path string) string {
	return "lock:" + repo + ":" + path
}

// CheckConflicts reports whether any of the paths is locked by a live
// holder. The first conflicting path found wins; iteration order is
// unspecified.
func (r *Registry) CheckConflicts(ctx context.Context, repo string, paths []string) (Result, error) {
	for _, path := range paths {
		holder, err := r.kv.Get(ctx, Key(repo, path))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		r.metrics.IncCounter("locks.conflicts", 1, "repo", repo)
		return Result{
			Acquired:        false,
			ConflictingTask: string(holder),
			ConflictingFile: path,
		}, nil
	}
	return Result{Acquired: true}, nil
}

// Acquire claims all paths for taskID with the given TTL (the registry
// default when ttl <= 0). If any path is already held the acquisition fails
// with the conflict and nothing is written. The batched write is best-effort
// atomic across paths, not transactional: a conflict discovered mid-work
// must be treated as failure, releasing what is held.
func (r *Registry) Acquire(ctx context.Context, taskID, repo string, paths []string, ttl time.Duration) (Result, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}

	conflict, err := r.CheckConflicts(ctx, repo, paths)
	if err != nil {
		return Result{}, err
	}
	if !conflict.Acquired {
		return conflict, nil
	}

	pipe := r.kv.Pipeline()
	for _, path := range paths {
		pipe.SetEx(Key(repo, path), []byte(taskID), ttl)
	}
	if err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	r.logger.Info(ctx, "acquired file locks",
		"task_id", taskID, "repo", repo, "file_count", len(paths))
	r.metrics.IncCounter("locks.acquired", float64(len(paths)), "repo", repo)
	return Result{Acquired: true}, nil
}

// Release deletes every lock under repo whose holder is taskID and returns
// the count released. Locks held by other tasks are untouched. Release is
// idempotent: releasing nothing is not an error.
func (r *Registry) Release(ctx context.Context, taskID, repo string) (int, error) {
	released := 0
	err := r.eachOwned(ctx, taskID, repo, func(key string) error {
		if err := r.kv.Del(ctx, key); err != nil {
			return err
		}
		released++
		return nil
	})
	if err != nil {
		return released, err
	}
	if released > 0 {
		r.logger.Info(ctx, "released file locks",
			"task_id", taskID, "repo", repo, "count", released)
	}
	return released, nil
}

// Extend refreshes the TTL on every lock under repo held by taskID and
// returns the count refreshed. The registry default applies when ttl <= 0.
func (r *Registry) Extend(ctx context.Context, taskID, repo string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	extended := 0
	err := r.eachOwned(ctx, taskID, repo, func(key string) error {
		ok, err := r.kv.Expire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			extended++
		}
		return nil
	})
	if err != nil {
		return extended, err
	}
	return extended, nil
}

// List returns every locked path under repo mapped to its holder task id.
// Diagnostic read; the snapshot may be stale by the time it returns.
func (r *Registry) List(ctx context.Context, repo string) (map[string]string, error) {
	prefix := Key(repo, "")
	keys, err := r.kv.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	held := make(map[string]string, len(keys))
	for _, key := range keys {
		holder, err := r.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		held[strings.TrimPrefix(key, prefix)] = string(holder)
	}
	return held, nil
}

// eachOwned invokes fn for every lock key under repo whose holder is taskID.
// Scan may yield duplicates; fn must be idempotent per key (delete and
// expire both are).
func (r *Registry) eachOwned(ctx context.Context, taskID, repo string, fn func(key string) error) error {
	keys, err := r.kv.Scan(ctx, Key(repo, "*"))
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		holder, err := r.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if string(holder) != taskID {
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}
