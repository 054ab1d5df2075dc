package limiter

import (
	"context"
	"time"
)

// Storage owns the durable bucket state. It is the only synchronization point
// of the limiter: every implementation must make CompareAndSwap linearizable
// per key, across processes for networked backends.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Load returns a copy of the stored state, or nil, nil when the key was
	// never written or has expired. It has no side effects on the bucket.
	Load(ctx context.Context, key string) (*BucketState, error)

	// CompareAndSwap stores next only if the current state equals prior. A nil
	// prior means "the key must be absent". It reports whether the swap
	// happened. A positive ttl is the inactivity window after which the key
	// reads as absent; ttl <= 0 keeps the key until it is overwritten.
	CompareAndSwap(ctx context.Context, key string, prior *BucketState, next BucketState, ttl time.Duration) (bool, error)
}
