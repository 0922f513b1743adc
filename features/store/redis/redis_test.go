package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestGetSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Del(ctx, "k", "missing"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "k", []byte("v"), time.Minute))
	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "forever", []byte("v")))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Negative(t, ttl)
}

func TestSetNX(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lease", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lease", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.SetNX(ctx, "lease", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpire(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetEx(ctx, "k", []byte("v"), time.Minute))
	ok, err = s.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	require.NoError(t, err)
}

func TestSets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "a", "b"))
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "set", "a"))
	members, err = s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, s.SAdd(ctx, "set"))
	require.NoError(t, s.SRem(ctx, "set"))
}

func TestScan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:repo:a.go", []byte("t1")))
	require.NoError(t, s.Set(ctx, "lock:repo:b.go", []byte("t2")))
	require.NoError(t, s.Set(ctx, "lock:other:c.go", []byte("t3")))

	keys, err := s.Scan(ctx, "lock:repo:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lock:repo:a.go", "lock:repo:b.go"}, keys)
}

func TestPipeline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "old", []byte("v")))

	pipe := s.Pipeline()
	pipe.Set("task:1", []byte("{}"))
	pipe.SetEx("lock:repo:a.go", []byte("task:1"), time.Minute)
	pipe.Del("old")
	pipe.SAdd("tasks:active", "task:1")
	pipe.SRem("tasks:active", "gone")
	require.NoError(t, pipe.Exec(ctx))

	_, err := s.Get(ctx, "task:1")
	require.NoError(t, err)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	members, err := s.SMembers(ctx, "tasks:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:1"}, members)
}

func TestUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb)
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Error(t, s.Ping(context.Background()))
}

func TestPinger(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "redis", s.Name())
	assert.NoError(t, s.Ping(context.Background()))
}
