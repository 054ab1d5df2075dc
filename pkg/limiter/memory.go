package limiter

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 32

// evictTarget is the fill ratio a shard is trimmed to once it exceeds its
// share of maxEntries.
const evictTarget = 0.8

type entry struct {
	state     BucketState
	expiresAt time.Time
	touched   uint64
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]entry
	tick    uint64
}

// MemoryStorage is an in-process Storage.
//
// Keys are spread over independently locked shards, so unrelated keys do not
// contend. State is local to the process and is not shared across replicas;
// use RedisStorage when a single global budget is needed.
type MemoryStorage struct {
	clock      Clock
	shards     []*shard
	maxEntries int
	shardCap   int
}

type MemoryOption func(*MemoryStorage)

// WithMemoryClock sets the clock used to evaluate key expiry.
func WithMemoryClock(c Clock) MemoryOption {
	return func(m *MemoryStorage) { m.clock = c }
}

// WithShardCount sets the number of lock shards (default 32).
func WithShardCount(n int) MemoryOption {
	return func(m *MemoryStorage) {
		if n > 0 {
			m.shards = make([]*shard, n)
		}
	}
}

// WithMaxEntries bounds the number of stored keys. A shard that grows past
// its share of n drops expired keys and then its least recently accessed
// keys until it is back to 80% of that share. An evicted key reads as a full
// bucket again. Zero or negative means unbounded (the default).
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryStorage) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewMemoryStorage constructs a MemoryStorage with empty state.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		clock:  SystemClock{},
		shards: make([]*shard, defaultShardCount),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &shard{buckets: make(map[string]entry)}
	}
	if m.maxEntries > 0 {
		m.shardCap = max(1, (m.maxEntries+len(m.shards)-1)/len(m.shards))
	}
	return m
}

func (m *MemoryStorage) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *MemoryStorage) Load(ctx context.Context, key string) (*BucketState, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "load", Key: key, Err: err}
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, m.clock.Now())
	if !ok {
		return nil, nil
	}
	s.tick++
	e.touched = s.tick
	s.buckets[key] = e

	st := e.state
	return &st, nil
}

func (m *MemoryStorage) CompareAndSwap(ctx context.Context, key string, prior *BucketState, next BucketState, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &StorageError{Op: "cas", Key: key, Err: err}
	}

	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.live(key, now)
	switch {
	case prior == nil && exists:
		return false, nil
	case prior != nil && !exists:
		return false, nil
	case prior != nil && !cur.state.Equal(*prior):
		return false, nil
	}

	s.tick++
	e := entry{state: next, touched: s.tick}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.buckets[key] = e

	if !exists && m.shardCap > 0 && len(s.buckets) > m.shardCap {
		s.evict(key, now, int(float64(m.shardCap)*evictTarget))
	}
	return true, nil
}

// evict trims the shard to at most target keys, dropping expired keys first
// and then the least recently accessed. keep is never evicted. The shard lock
// must be held.
func (s *shard) evict(keep string, now time.Time, target int) {
	type candidate struct {
		key     string
		touched uint64
	}

	candidates := make([]candidate, 0, len(s.buckets))
	for k, e := range s.buckets {
		if k == keep {
			continue
		}
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.buckets, k)
			continue
		}
		candidates = append(candidates, candidate{key: k, touched: e.touched})
	}
	if len(s.buckets) <= target {
		return
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.touched, b.touched)
	})
	for _, c := range candidates {
		if len(s.buckets) <= target {
			return
		}
		delete(s.buckets, c.key)
	}
}

// live returns the entry for key unless it has expired, in which case the
// entry is dropped. The shard lock must be held.
func (s *shard) live(key string, now time.Time) (entry, bool) {
	e, ok := s.buckets[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.buckets, key)
		return entry{}, false
	}
	return e, true
}

// Sweep removes every expired key and returns how many were dropped. Expired
// keys already read as absent; Sweep only reclaims their memory.
func (m *MemoryStorage) Sweep() int {
	now := m.clock.Now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.buckets {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done. It is optional;
// long-lived processes with high-cardinality keys want it.
func (m *MemoryStorage) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

// Len returns the number of stored keys, including expired keys that have
// not been swept yet.
func (m *MemoryStorage) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
