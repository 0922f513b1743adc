// Package memory provides an in-memory implementation of the orchestrator
// persistence contract.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. TTL
// semantics mirror Redis: expired keys are lazily reclaimed on access and
// indistinguishable from absent keys.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/swarmlab/overseer/runtime/store"
)

type (
	// Store is an in-memory implementation of store.KV. It is safe for
	// concurrent use.
	Store struct {
		mu   sync.RWMutex
		vals map[string]entry
		sets map[string]map[string]struct{}
		now  func() time.Time
	}

	entry struct {
		value     []byte
		expiresAt time.Time // zero means no expiry
	}

	// Option customizes the store.
	Option func(*Store)

	pipeOp func(s *Store)

	pipe struct {
		s   *Store
		ops []pipeOp
	}
)

// Compile-time check that Store implements store.KV.
var _ store.KV = (*Store)(nil)

// WithClock overrides the time source. Tests use it to exercise TTL expiry
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		vals: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes value under key with no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, 0)
	return nil
}

// SetEx writes value under key with the given TTL.
func (s *Store) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

// SetNX writes value under key only if absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.set(key, value, ttl)
	return true, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.vals, k)
	}
	return nil
}

// Expire resets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.now().Add(ttl)
	s.vals[key] = e
	return true, nil
}

// TTL returns the remaining time to live of key. Mirrors Redis conventions:
// -1s for keys without expiry, -2s for missing keys.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -time.Second, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, setkey string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sadd(setkey, members...)
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, setkey string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srem(setkey, members...)
	return nil
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, setkey string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[setkey]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// Scan returns keys matching pattern. Only the '*' wildcard is supported,
// which is all the orchestrator key schemes use.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.vals {
		if _, ok := s.live(k); !ok {
			continue
		}
		if matchGlob(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Pipeline starts a write batch. The memory implementation applies the batch
// under a single lock, which is stronger than the contract requires.
func (s *Store) Pipeline() store.Pipe {
	return &pipe{s: s}
}

func (p *pipe) Set(key string, value []byte) {
	v := append([]byte(nil), value...)
	p.ops = append(p.ops, func(s *Store) { s.set(key, v, 0) })
}

func (p *pipe) SetEx(key string, value []byte, ttl time.Duration) {
	v := append([]byte(nil), value...)
	p.ops = append(p.ops, func(s *Store) { s.set(key, v, ttl) })
}

func (p *pipe) Del(keys ...string) {
	ks := append([]string(nil), keys...)
	p.ops = append(p.ops, func(s *Store) {
		for _, k := range ks {
			delete(s.vals, k)
		}
	})
}

func (p *pipe) SAdd(setkey string, members ...string) {
	ms := append([]string(nil), members...)
	p.ops = append(p.ops, func(s *Store) { s.sadd(setkey, ms...) })
}

func (p *pipe) SRem(setkey string, members ...string) {
	ms := append([]string(nil), members...)
	p.ops = append(p.ops, func(s *Store) { s.srem(setkey, ms...) })
}

func (p *pipe) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, op := range p.ops {
		op(p.s)
	}
	p.ops = nil
	return nil
}

// live returns the entry for key, reclaiming it first when expired. Callers
// must hold mu for writing.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.vals[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.vals, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) set(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.vals[key] = e
}

func (s *Store) sadd(setkey string, members ...string) {
	set, ok := s.sets[setkey]
	if !ok {
		set = make(map[string]struct{})
		s.sets[setkey] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (s *Store) srem(setkey string, members ...string) {
	set, ok := s.sets[setkey]
	if !ok {
		return
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, setkey)
	}
}

// matchGlob reports whether key matches pattern where '*' matches any run of
// characters, including the empty run.
func matchGlob(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
