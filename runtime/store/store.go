// Package store defines the persistence contract the orchestrator core
// depends on: a key-value store with TTL support, set membership and
// best-effort batched writes.
//
// Available implementations:
//
//   - features/store/redis: Redis store for production
//   - features/store/memory: in-memory store for development and testing
//
// To add a new implementation, create a subpackage under features/store that
// implements the KV interface, returns ErrNotFound for missing keys and wraps
// I/O failures so errors.Is(err, ErrUnavailable) holds.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not present in the store.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable indicates the store could not be reached or an I/O
	// operation failed. Callers surface it upward so webhook handling can
	// answer 5xx and the platform retries.
	ErrUnavailable = errors.New("store unavailable")
)

type (
	// KV is the persistence contract for tasks, leases and file locks.
	// Implementations must be safe for concurrent use.
	KV interface {
		// Get returns the value stored under key. Returns ErrNotFound if the
		// key does not exist or has expired.
		Get(ctx context.Context, key string) ([]byte, error)

		// Set writes value under key with no expiry, replacing any previous
		// value.
		Set(ctx context.Context, key string, value []byte) error

		// SetEx writes value under key with the given TTL in one operation.
		SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error

		// SetNX writes value under key with the given TTL only if the key is
		// absent. Reports whether the write happened.
		SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

		// Del removes key. Deleting a missing key is not an error.
		Del(ctx context.Context, keys ...string) error

		// Expire resets the TTL on an existing key. Reports false when the
		// key does not exist.
		Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

		// TTL returns the remaining time to live of key. Returns a negative
		// duration when the key has no expiry or does not exist.
		TTL(ctx context.Context, key string) (time.Duration, error)

		// SAdd adds members to the set stored under setkey.
		SAdd(ctx context.Context, setkey string, members ...string) error

		// SRem removes members from the set stored under setkey.
		SRem(ctx context.Context, setkey string, members ...string) error

		// SMembers returns all members of the set stored under setkey.
		// A missing set yields an empty slice, not an error.
		SMembers(ctx context.Context, setkey string) ([]string, error)

		// Scan returns the keys matching pattern ("prefix*" glob syntax).
		// Results are unordered and may contain duplicates under concurrent
		// mutation; callers must tolerate both.
		Scan(ctx context.Context, pattern string) ([]string, error)

		// Pipeline starts a batch of writes. The batch is best-effort atomic
		// for independent writes, not cross-key transactional; callers must
		// not rely on all-or-nothing semantics across keys.
		Pipeline() Pipe
	}

	// Pipe accumulates writes submitted together via Exec. Operations queue
	// in order; Exec applies them and returns the first failure.
	Pipe interface {
		Set(key string, value []byte)
		SetEx(key string, value []byte, ttl time.Duration)
		Del(keys ...string)
		SAdd(setkey string, members ...string)
		SRem(setkey string, members ...string)
		Exec(ctx context.Context) error
	}
)
