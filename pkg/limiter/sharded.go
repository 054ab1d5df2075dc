package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ShardedStorage partitions keys over several backends with rendezvous
// hashing. A key always lands on the same backend, so per-key
// linearizability of the backends carries over unchanged.
//
// Adding or removing a backend only moves the keys that hashed to it; those
// buckets start over as full, which a limiter treats like expiry.
type ShardedStorage struct {
	nodes map[string]Storage
	hash  *rendezvous.Rendezvous
}

// NewShardedStorage builds a ShardedStorage from named backends. Names must be
// stable across processes, since placement is derived from them.
func NewShardedStorage(nodes map[string]Storage) (*ShardedStorage, error) {
	if len(nodes) == 0 {
		return nil, errors.New("sharded storage needs at least one backend")
	}

	names := make([]string, 0, len(nodes))
	for name, st := range nodes {
		if st == nil {
			return nil, fmt.Errorf("backend %q is nil", name)
		}
		names = append(names, name)
	}

	return &ShardedStorage{
		nodes: nodes,
		hash:  rendezvous.New(names, xxhash.Sum64String),
	}, nil
}

// Node returns the backend name that owns key.
func (s *ShardedStorage) Node(key string) string {
	return s.hash.Lookup(key)
}

func (s *ShardedStorage) Load(ctx context.Context, key string) (*BucketState, error) {
	return s.nodes[s.Node(key)].Load(ctx, key)
}

func (s *ShardedStorage) CompareAndSwap(ctx context.Context, key string, prior *BucketState, next BucketState, ttl time.Duration) (bool, error) {
	return s.nodes[s.Node(key)].CompareAndSwap(ctx, key, prior, next, ttl)
}
