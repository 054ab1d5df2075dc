package limiter

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Never is the RetryAfter reported for a request that can not be admitted no
// matter how long the caller waits (its cost exceeds the bucket capacity).
const Never = time.Duration(math.MaxInt64)

type Namespace string

// Identity names "who" is being limited. String renders the storage key
// "{namespace}:{key}", or just the key when the namespace is empty.
type Identity struct {
	Namespace Namespace
	Key       string
}

func (id Identity) String() string {
	if id.Namespace == "" {
		return id.Key
	}
	return string(id.Namespace) + ":" + id.Key
}

// Config is the policy of one limiter: the bucket holds at most Capacity
// tokens and gains RefillTokens every RefillPeriod, accrued continuously.
type Config struct {
	Capacity     float64
	RefillTokens float64
	RefillPeriod time.Duration
}

// PerSecond refills rate tokens every second into a bucket of capacity.
func PerSecond(rate, capacity float64) Config {
	return Config{Capacity: capacity, RefillTokens: rate, RefillPeriod: time.Second}
}

// PerMinute refills rate tokens every minute into a bucket of capacity.
func PerMinute(rate, capacity float64) Config {
	return Config{Capacity: capacity, RefillTokens: rate, RefillPeriod: time.Minute}
}

// PerHour refills rate tokens every hour into a bucket of capacity.
func PerHour(rate, capacity float64) Config {
	return Config{Capacity: capacity, RefillTokens: rate, RefillPeriod: time.Hour}
}

// Validate reports a configuration that can not describe a bucket. The
// returned error matches ErrInvalidArgument.
func (c Config) Validate() error {
	if !finitePositive(c.Capacity) {
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidArgument, c.Capacity)
	}
	if !finitePositive(c.RefillTokens) {
		return fmt.Errorf("%w: refill tokens must be positive, got %v", ErrInvalidArgument, c.RefillTokens)
	}
	if c.RefillPeriod <= 0 {
		return fmt.Errorf("%w: refill period must be positive, got %s", ErrInvalidArgument, c.RefillPeriod)
	}
	return nil
}

// TimeFor returns how long the bucket needs to accrue tokens, rounded up to
// the next nanosecond.
func (c Config) TimeFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	d := math.Ceil(tokens / c.RefillTokens * float64(c.RefillPeriod))
	if d >= float64(math.MaxInt64) {
		return Never
	}
	return time.Duration(d)
}

// FullRefill is the time an empty bucket needs to become full again.
func (c Config) FullRefill() time.Duration {
	return c.TimeFor(c.Capacity)
}

func (c Config) String() string {
	return fmt.Sprintf("capacity=%g refill=%g/%s", c.Capacity, c.RefillTokens, c.RefillPeriod)
}

// BucketState is a snapshot of one bucket. Values are always copied; the
// algorithm never mutates stored state in place.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// Equal reports whether two snapshots describe the same stored state.
func (s BucketState) Equal(o BucketState) bool {
	return s.Tokens == o.Tokens && s.LastRefill.Equal(o.LastRefill)
}

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the token balance after the decision was applied.
	Remaining float64
	// Limit is the bucket capacity.
	Limit float64
	// RetryAfter is 0 when allowed. When denied it is the time until the
	// requested cost is expected to be available, or Never.
	RetryAfter time.Duration
	// ResetAfter is the time until the bucket is full again.
	ResetAfter time.Duration
	// Degraded is set when storage was unreachable and the decision comes
	// from the configured FailurePolicy instead of bucket state.
	Degraded bool
}

// RateLimiter is the admission contract consumed by collaborators such as
// HTTP middleware.
type RateLimiter interface {
	TryAcquireN(ctx context.Context, key string, cost float64) (Decision, error)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
