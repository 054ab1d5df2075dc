package limiter

import (
	"fmt"
	"math"
	"time"
)

// Decide is the token-bucket step. Given a snapshot of a bucket, the policy,
// the current time and the requested cost it returns the decision and the
// state that should replace the snapshot. It is pure: no I/O, no clock reads.
//
// A denied request still commits the refill (the returned state carries the
// refilled balance and LastRefill = now); only the cost is withheld.
//
// When now is before state.LastRefill a *ClockSkewError is returned and no
// state is produced. Callers decide how to recover.
func Decide(state BucketState, cfg Config, now time.Time, cost float64) (Decision, BucketState, error) {
	if err := cfg.Validate(); err != nil {
		return Decision{}, BucketState{}, err
	}
	if !finitePositive(cost) {
		return Decision{}, BucketState{}, fmt.Errorf("%w: cost must be positive, got %v", ErrInvalidArgument, cost)
	}

	elapsed := now.Sub(state.LastRefill)
	if elapsed < 0 {
		return Decision{}, BucketState{}, &ClockSkewError{Skew: -elapsed}
	}

	balance := refilled(state.Tokens, cfg, elapsed)
	next := BucketState{Tokens: balance, LastRefill: now}

	switch {
	case cost > cfg.Capacity:
		return Decision{
			Allowed:    false,
			Remaining:  balance,
			Limit:      cfg.Capacity,
			RetryAfter: Never,
			ResetAfter: cfg.TimeFor(cfg.Capacity - balance),
		}, next, nil

	case balance >= cost:
		next.Tokens = balance - cost
		return Decision{
			Allowed:    true,
			Remaining:  next.Tokens,
			Limit:      cfg.Capacity,
			RetryAfter: 0,
			ResetAfter: cfg.TimeFor(cfg.Capacity - next.Tokens),
		}, next, nil

	default:
		return Decision{
			Allowed:    false,
			Remaining:  balance,
			Limit:      cfg.Capacity,
			RetryAfter: cfg.TimeFor(cost - balance),
			ResetAfter: cfg.TimeFor(cfg.Capacity - balance),
		}, next, nil
	}
}

// Refill returns the balance the bucket would hold at now without consuming
// anything. A now before LastRefill counts as no elapsed time.
func Refill(state BucketState, cfg Config, now time.Time) float64 {
	elapsed := now.Sub(state.LastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	return refilled(state.Tokens, cfg, elapsed)
}

// FullState is the state of a bucket observed for the first time at now.
func FullState(cfg Config, now time.Time) BucketState {
	return BucketState{Tokens: cfg.Capacity, LastRefill: now}
}

func refilled(tokens float64, cfg Config, elapsed time.Duration) float64 {
	// Stored balances written under a different policy are clamped into range.
	tokens = math.Max(0, math.Min(tokens, cfg.Capacity))
	if math.IsNaN(tokens) {
		tokens = 0
	}

	delta := float64(elapsed) / float64(cfg.RefillPeriod)
	return math.Min(cfg.Capacity, tokens+delta*cfg.RefillTokens)
}
