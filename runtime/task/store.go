package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/swarmlab/overseer/runtime/store"
)

// ErrNotFound is returned when no task exists under the requested id.
var ErrNotFound = errors.New("task not found")

// Persistence layout. Tasks serialize as JSON under task:<id>; the active
// and archived sets partition all task ids.
const (
	keyPrefix   = "task:"
	setActive   = "tasks:active"
	setArchived = "tasks:archived"
)

// Store serializes tasks to the persistence layer and maintains the
// active/archived set partition. It performs no validation; the state
// machine owns transition rules.
type Store struct {
	kv store.KV
}

// NewStore creates a task store over the given persistence backend.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Key returns the storage key for a task id.
func Key(id string) string { return keyPrefix + id }

// Get loads a task by id. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.kv.Get(ctx, Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// Exists reports whether a task is stored under id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.kv.Get(ctx, Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create writes a new task and adds it to the active set in one batch.
func (s *Store) Create(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	pipe := s.kv.Pipeline()
	pipe.Set(Key(t.ID), data)
	pipe.SAdd(setActive, t.ID)
	return pipe.Exec(ctx)
}

// Update rewrites an existing task without touching set membership.
func (s *Store) Update(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return s.kv.Set(ctx, Key(t.ID), data)
}

// Archive rewrites the task and moves its id from the active to the archived
// set in the same batch. The store's pipeline is best-effort atomic; the
// write is ordered task first so a partial batch is healed by re-running the
// terminal transition.
func (s *Store) Archive(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	pipe := s.kv.Pipeline()
	pipe.Set(Key(t.ID), data)
	pipe.SRem(setActive, t.ID)
	pipe.SAdd(setArchived, t.ID)
	return pipe.Exec(ctx)
}

// ListActive loads every task in the active set, newest update first. Ids
// whose task record has vanished are skipped.
func (s *Store) ListActive(ctx context.Context) ([]*Task, error) {
	ids, err := s.kv.SMembers(ctx, setActive)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	return tasks, nil
}

// ActiveIDs returns the members of the active set.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, setActive)
}

// ArchivedIDs returns the members of the archived set.
func (s *Store) ArchivedIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, setArchived)
}
