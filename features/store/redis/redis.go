// Package redis provides the Redis implementation of the orchestrator
// persistence contract. It maps redis.Nil onto store.ErrNotFound and wraps
// I/O failures so errors.Is(err, store.ErrUnavailable) holds.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmlab/overseer/runtime/store"
)

type (
	// Store is a Redis-backed implementation of store.KV. It is safe for
	// concurrent use; the underlying client pools connections.
	Store struct {
		rdb *redis.Client
	}

	pipe struct {
		p redis.Pipeliner
	}
)

// Compile-time check that Store implements store.KV.
var _ store.KV = (*Store)(nil)

// New creates a Redis store around an existing client. The caller owns the
// client lifecycle.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Name implements goa.design/clue/health.Pinger.
func (s *Store) Name() string { return "redis" }

// Ping implements goa.design/clue/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get %q", key), err)
	}
	return val, nil
}

// Set writes value under key with no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable(fmt.Sprintf("set %q", key), err)
	}
	return nil
}

// SetEx writes value under key with the given TTL.
func (s *Store) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(fmt.Sprintf("setex %q", key), err)
	}
	return nil
}

// SetNX writes value under key with the given TTL only if absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(fmt.Sprintf("setnx %q", key), err)
	}
	return ok, nil
}

// Del removes keys. Missing keys are ignored.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Expire resets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, unavailable(fmt.Sprintf("expire %q", key), err)
	}
	return ok, nil
}

// TTL returns the remaining time to live of key. Redis reports -1 for keys
// without expiry and -2 for missing keys; both come back as negative
// durations.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable(fmt.Sprintf("ttl %q", key), err)
	}
	return d, nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, setkey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.rdb.SAdd(ctx, setkey, toAny(members)...).Err(); err != nil {
		return unavailable(fmt.Sprintf("sadd %q", setkey), err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, setkey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.rdb.SRem(ctx, setkey, toAny(members)...).Err(); err != nil {
		return unavailable(fmt.Sprintf("srem %q", setkey), err)
	}
	return nil
}

// SMembers returns all members of a set. Missing sets yield an empty slice.
func (s *Store) SMembers(ctx context.Context, setkey string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, setkey).Result()
	if err != nil {
		return nil, unavailable(fmt.Sprintf("smembers %q", setkey), err)
	}
	return members, nil
}

// Scan returns keys matching pattern using cursor iteration.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(fmt.Sprintf("scan %q", pattern), err)
	}
	return keys, nil
}

// Pipeline starts a write batch backed by a Redis pipeline.
func (s *Store) Pipeline() store.Pipe {
	return &pipe{p: s.rdb.Pipeline()}
}

func (p *pipe) Set(key string, value []byte) {
	p.p.Set(context.Background(), key, value, 0)
}

func (p *pipe) SetEx(key string, value []byte, ttl time.Duration) {
	p.p.SetEx(context.Background(), key, value, ttl)
}

func (p *pipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.p.Del(context.Background(), keys...)
}

func (p *pipe) SAdd(setkey string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.p.SAdd(context.Background(), setkey, toAny(members)...)
}

func (p *pipe) SRem(setkey string, members ...string) {
	if len(members) == 0 {
		return
	}
	p.p.SRem(context.Background(), setkey, toAny(members)...)
}

func (p *pipe) Exec(ctx context.Context) error {
	if _, err := p.p.Exec(ctx); err != nil && err != redis.Nil {
		return unavailable("pipeline exec", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, store.ErrUnavailable, err)
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
