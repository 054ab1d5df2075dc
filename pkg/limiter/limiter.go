package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Limiter binds the token-bucket algorithm to a Storage and a Clock.
//
// It is the only component that retries: a compare-and-swap lost to a
// concurrent writer is retried from a fresh read, up to the configured bound.
// Storage failures are never retried here; they go through the
// FailurePolicy.
type Limiter struct {
	store      Storage
	cfg        Config
	clock      Clock
	maxRetries int
	policy     FailurePolicy
	ttl        time.Duration
	recorder   MetricsRecorder
	logger     *slog.Logger

	skewLog rate.Sometimes
}

var _ RateLimiter = (*Limiter)(nil)

// New constructs a Limiter. The configuration is validated once here and is
// immutable afterwards.
func New(store Storage, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("storage cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:      store,
		cfg:        cfg,
		clock:      SystemClock{},
		maxRetries: defaultMaxRetries,
		policy:     FailClosed,
		ttl:        cfg.FullRefill(),
		recorder:   &NoOpMetricsRecorder{},
		logger:     slog.Default(),
		skewLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.maxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries cannot be negative, got %d", ErrInvalidArgument, l.maxRetries)
	}
	if l.clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if l.ttl == Never {
		l.ttl = 0
	}
	return l, nil
}

// Config returns the limiter's policy.
func (l *Limiter) Config() Config { return l.cfg }

// TryAcquire asks for a single token.
func (l *Limiter) TryAcquire(ctx context.Context, key string) (Decision, error) {
	return l.TryAcquireN(ctx, key, 1)
}

// TryAcquireN asks for cost tokens from key's bucket and never blocks on the
// bucket itself; only the storage round trips may block.
//
// A denial is a normal return with Decision.Allowed == false. Errors are
// reserved for ErrInvalidArgument, ErrContentionExceeded and, with FailError,
// ErrStorageUnavailable.
func (l *Limiter) TryAcquireN(ctx context.Context, key string, cost float64) (Decision, error) {
	start := time.Now()
	l.recorder.Add(MetricCall, 1, nil)
	defer func() {
		l.recorder.Observe(MetricLatency, time.Since(start).Seconds(), nil)
	}()

	if !finitePositive(cost) {
		return Decision{}, fmt.Errorf("%w: cost must be positive, got %v", ErrInvalidArgument, cost)
	}

	attempts := l.maxRetries + 1
	for range attempts {
		prior, err := l.store.Load(ctx, key)
		if err != nil {
			return l.storageFailure(key, cost, err)
		}

		now := l.clock.Now()
		current := FullState(l.cfg, now)
		if prior != nil {
			current = *prior
		}

		dec, next, err := l.decide(key, current, now, cost)
		if err != nil {
			return Decision{}, err
		}

		ok, err := l.store.CompareAndSwap(ctx, key, prior, next, l.ttl)
		if err != nil {
			return l.storageFailure(key, cost, err)
		}
		if ok {
			if dec.Allowed {
				l.recorder.Add(MetricAllowed, 1, nil)
			} else {
				l.recorder.Add(MetricDenied, 1, nil)
			}
			return dec, nil
		}

		l.recorder.Add(MetricConflict, 1, nil)
	}

	l.recorder.Add(MetricContentionExceeded, 1, nil)
	l.logger.Warn("rate limiter retry budget exhausted", "key", key, "attempts", attempts)
	return Decision{}, &ContentionError{Key: key, Attempts: attempts}
}

// decide runs the algorithm and absorbs clock skew: a now earlier than the
// stored refill time is treated as no elapsed time, which also keeps
// LastRefill monotonic.
func (l *Limiter) decide(key string, state BucketState, now time.Time, cost float64) (Decision, BucketState, error) {
	dec, next, err := Decide(state, l.cfg, now, cost)

	var skew *ClockSkewError
	if errors.As(err, &skew) {
		l.recorder.Add(MetricClockSkew, 1, nil)
		l.skewLog.Do(func() {
			l.logger.Warn("clock skew detected, clamping elapsed time to zero", "key", key, "skew", skew.Skew)
		})
		return Decide(state, l.cfg, state.LastRefill, cost)
	}
	return dec, next, err
}

func (l *Limiter) storageFailure(key string, cost float64, err error) (Decision, error) {
	l.recorder.Add(MetricStorageError, 1, map[string]string{"policy": l.policy.String()})

	if !errors.Is(err, ErrStorageUnavailable) {
		l.logger.Error("rate limiter storage failed", "key", key, "err", err)
		return Decision{}, err
	}

	l.logger.Warn("rate limiter storage unavailable", "key", key, "policy", l.policy.String(), "err", err)

	switch l.policy {
	case FailOpen:
		return Decision{Allowed: true, Limit: l.cfg.Capacity, Degraded: true}, nil
	case FailError:
		return Decision{}, err
	default:
		retry := Never
		if cost <= l.cfg.Capacity {
			retry = l.cfg.TimeFor(cost)
		}
		return Decision{Allowed: false, Limit: l.cfg.Capacity, RetryAfter: retry, Degraded: true}, nil
	}
}

// Available reports the tokens key could spend right now, without consuming
// any. An unknown key reports full capacity.
func (l *Limiter) Available(ctx context.Context, key string) (float64, error) {
	prior, err := l.store.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	if prior == nil {
		return l.cfg.Capacity, nil
	}
	return Refill(*prior, l.cfg, l.clock.Now()), nil
}

// Wait blocks until cost tokens are acquired or ctx is done. It sleeps on the
// real timer for the RetryAfter of each denial, so it is meant for use with
// SystemClock.
func (l *Limiter) Wait(ctx context.Context, key string, cost float64) (Decision, error) {
	if cost > l.cfg.Capacity {
		return Decision{}, fmt.Errorf("%w: cost %v exceeds capacity %v", ErrInvalidArgument, cost, l.cfg.Capacity)
	}

	for {
		dec, err := l.TryAcquireN(ctx, key, cost)
		if err != nil || dec.Allowed {
			return dec, err
		}

		wait := dec.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return dec, ctx.Err()
		case <-t.C:
		}
	}
}
