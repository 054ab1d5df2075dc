// Package limiter provides local and distributed rate limiting based on the
// Token Bucket algorithm, with bucket state kept behind a compare-and-swap
// storage contract.
//
// The primary entry point is Limiter:
//
//	l, err := limiter.New(store, limiter.PerSecond(10, 10))
//	dec, err := l.TryAcquire(ctx, "user:123")
//
// The returned Decision reports whether the request is allowed, the token
// balance left, and timing hints for callers that want to set rate-limit
// headers (for example, Retry-After).
//
// # Overview
//
// This package implements a Token Bucket:
//
//   - Each key has a "bucket" holding tokens.
//   - The bucket refills continuously, RefillTokens every RefillPeriod, up to
//     Capacity.
//   - Each TryAcquireN call consumes cost tokens when they are available.
//   - A denied call still commits the refill; only the cost is withheld.
//
// Refill is computed lazily on access. There is no background goroutine, no
// timer and no per-key work while a key is idle.
//
// # Core Types
//
// Config defines the policy:
//
//   - Capacity: maximum number of tokens the bucket can hold (also the maximum
//     immediate burst)
//   - RefillTokens: tokens earned per RefillPeriod
//   - RefillPeriod: the time window RefillTokens is measured over
//
// PerSecond, PerMinute and PerHour build the common cases.
//
// Decide is the algorithm itself: a pure function from (state, config, now,
// cost) to (decision, new state). It can be tested without storage or a
// clock.
//
// # Storage
//
// Storage exposes two operations, Load and CompareAndSwap. The Limiter reads
// the state, runs Decide and commits the result only if nobody else committed
// in between; a lost race is retried from a fresh read, at most
// WithMaxRetries times, after which ErrContentionExceeded is returned.
//
// The package provides three implementations:
//
//   - MemoryStorage: an in-process store with sharded locks. This is useful
//     for unit tests, local development, and single-instance deployments.
//     Because its state is local to the process, it does not enforce a global
//     limit across multiple replicas.
//
//   - RedisStorage: a distributed store backed by Redis. CompareAndSwap runs a
//     Lua script that checks the stored hash against the expected prior state
//     and writes the new one atomically, which makes it safe to use across
//     many application instances while enforcing a single global budget per
//     key.
//
//   - ShardedStorage: spreads keys over several backends with rendezvous
//     hashing.
//
// Keys expire after WithTTL of inactivity (by default, the time it takes an
// empty bucket to refill completely). An expired key reads as absent, which
// the Limiter treats as a full bucket.
//
// # Context and Error Policy
//
// Every call accepts a context.Context which is passed through to storage.
// RedisStorage additionally bounds each round trip with WithTimeout.
//
// A storage failure surfaces as ErrStorageUnavailable and is handled by the
// FailurePolicy given to WithFailurePolicy:
//
//   - FailClosed (default): deny, with Decision.Degraded set
//   - FailOpen: allow, with Decision.Degraded set
//   - FailError: return the error to the caller
//
// In every case the failure is counted on the MetricsRecorder and logged.
//
// A clock that goes backwards (skew between callers sharing a bucket) is
// absorbed: the elapsed time is clamped to zero and a throttled warning is
// logged.
//
// # Decision Semantics
//
//   - Allowed reports whether the current request is permitted.
//   - Remaining is the balance after the decision is applied.
//   - RetryAfter is 0 when allowed; when denied it is the time until the
//     requested cost is expected to be available, or Never when the cost
//     exceeds Capacity.
//   - ResetAfter is the time until the bucket is full again.
//
// # Metrics
//
// WithRecorder injects a MetricsRecorder. The limiter emits the Metric*
// counters plus "ratelimit.latency" in seconds.
package limiter
