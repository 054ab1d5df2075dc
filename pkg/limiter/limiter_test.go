package limiter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// failingStorage is a backend that is always unreachable.
type failingStorage struct{}

func (failingStorage) Load(_ context.Context, key string) (*BucketState, error) {
	return nil, &StorageError{Op: "load", Key: key, Err: errors.New("connection refused")}
}

func (failingStorage) CompareAndSwap(_ context.Context, key string, _ *BucketState, _ BucketState, _ time.Duration) (bool, error) {
	return false, &StorageError{Op: "cas", Key: key, Err: errors.New("connection refused")}
}

// conflictingStorage loses every compare-and-swap, as if another writer
// always got there first.
type conflictingStorage struct {
	loads atomic.Int64
}

func (s *conflictingStorage) Load(context.Context, string) (*BucketState, error) {
	s.loads.Add(1)
	return &BucketState{Tokens: 5, LastRefill: epoch}, nil
}

func (s *conflictingStorage) CompareAndSwap(context.Context, string, *BucketState, BucketState, time.Duration) (bool, error) {
	return false, nil
}

// brokenStorage fails with an error that is not an availability problem.
type brokenStorage struct{}

var errCorrupt = errors.New("corrupt bucket")

func (brokenStorage) Load(context.Context, string) (*BucketState, error) {
	return nil, errCorrupt
}

func (brokenStorage) CompareAndSwap(context.Context, string, *BucketState, BucketState, time.Duration) (bool, error) {
	return false, errCorrupt
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newManualLimiter(t *testing.T, cfg Config, opts ...Option) (*Limiter, *ManualClock, *MemoryStorage) {
	t.Helper()
	clock := NewManualClock(epoch)
	store := NewMemoryStorage(WithMemoryClock(clock))
	l, err := New(store, cfg, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, clock, store
}

func TestLimiter_TenPerSecondScenario(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newManualLimiter(t, PerSecond(10, 10))

	for i := 0; i < 10; i++ {
		dec, err := l.TryAcquire(ctx, "client")
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !dec.Allowed {
			t.Fatalf("call %d should be admitted", i+1)
		}
		if want := float64(9 - i); dec.Remaining != want {
			t.Fatalf("call %d: expected remaining %v, got %v", i+1, want, dec.Remaining)
		}
	}

	dec, err := l.TryAcquire(ctx, "client")
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("11th call should be denied")
	}
	if d := dec.RetryAfter - 100*time.Millisecond; d < 0 || d > time.Microsecond {
		t.Fatalf("expected RetryAfter ~100ms, got %s", dec.RetryAfter)
	}

	clock.Advance(100 * time.Millisecond)
	dec, err = l.TryAcquire(ctx, "client")
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("call at t=0.1s should be admitted")
	}
}

func TestLimiter_FullRefillAfterIdle(t *testing.T) {
	ctx := context.Background()
	cfg := PerSecond(10, 10)
	l, clock, _ := newManualLimiter(t, cfg)

	for range 10 {
		l.TryAcquire(ctx, "k")
	}
	clock.Advance(cfg.FullRefill() + time.Hour)

	if avail, _ := l.Available(ctx, "k"); avail != 10 {
		t.Fatalf("expected full bucket after idle, got %v", avail)
	}
	dec, _ := l.TryAcquire(ctx, "k")
	if !dec.Allowed || dec.Remaining != 9 {
		t.Fatalf("expected admission with 9 left, got %+v", dec)
	}
}

func TestLimiter_DenialPreservesRefill(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newManualLimiter(t, PerSecond(10, 10))

	for range 10 {
		l.TryAcquire(ctx, "k")
	}
	clock.Advance(50 * time.Millisecond)

	denied, err := l.TryAcquire(ctx, "k")
	if err != nil || denied.Allowed {
		t.Fatalf("expected denial, dec=%+v err=%v", denied, err)
	}

	// Spending exactly what the denial reported must succeed at the same
	// instant and leave nothing.
	dec, err := l.TryAcquireN(ctx, "k", denied.Remaining)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || dec.Remaining != 0 {
		t.Fatalf("expected refill accrued before the denial to be spendable, got %+v", dec)
	}
}

func TestLimiter_CostAboveCapacity(t *testing.T) {
	l, _, _ := newManualLimiter(t, PerSecond(10, 5))

	dec, err := l.TryAcquireN(context.Background(), "k", 6)
	if err != nil {
		t.Fatalf("expected a denial, not an error: %v", err)
	}
	if dec.Allowed || dec.RetryAfter != Never {
		t.Fatalf("expected denial with RetryAfter=Never, got %+v", dec)
	}
}

func TestLimiter_InvalidCost(t *testing.T) {
	store := &conflictingStorage{}
	l, _ := New(store, PerSecond(1, 1))

	for _, cost := range []float64{0, -2, math.NaN()} {
		if _, err := l.TryAcquireN(context.Background(), "k", cost); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("cost %v: expected ErrInvalidArgument, got %v", cost, err)
		}
	}
	if n := store.loads.Load(); n != 0 {
		t.Fatalf("invalid costs must not reach storage, got %d loads", n)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, PerSecond(1, 1)); err == nil {
		t.Error("expected error for nil storage")
	}
	if _, err := New(NewMemoryStorage(), Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero config, got %v", err)
	}
	if _, err := New(NewMemoryStorage(), PerSecond(1, 1), WithMaxRetries(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative retries, got %v", err)
	}
	if _, err := New(NewMemoryStorage(), PerSecond(1, 1), WithClock(nil)); err == nil {
		t.Error("expected error for nil clock")
	}

	cfg := PerMinute(30, 10)
	l, err := New(NewMemoryStorage(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.Config() != cfg {
		t.Errorf("expected Config() to return %v, got %v", cfg, l.Config())
	}
}

func TestLimiter_FailurePolicies(t *testing.T) {
	ctx := context.Background()
	cfg := PerSecond(10, 10)

	t.Run("FailClosed", func(t *testing.T) {
		mock := NewMockRecorder()
		l, _ := New(failingStorage{}, cfg, WithRecorder(mock), WithLogger(discardLogger()))

		for range 100 {
			dec, err := l.TryAcquire(ctx, "k")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.Allowed || !dec.Degraded {
				t.Fatalf("expected degraded denial, got %+v", dec)
			}
			if dec.RetryAfter <= 0 || dec.RetryAfter == Never {
				t.Fatalf("expected a finite retry hint, got %s", dec.RetryAfter)
			}
		}
		if got := mock.Counter(MetricStorageError); got != 100 {
			t.Fatalf("expected 100 storage errors recorded, got %v", got)
		}
	})

	t.Run("FailOpen", func(t *testing.T) {
		mock := NewMockRecorder()
		l, _ := New(failingStorage{}, cfg, WithFailurePolicy(FailOpen), WithRecorder(mock), WithLogger(discardLogger()))

		for range 100 {
			dec, err := l.TryAcquire(ctx, "k")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !dec.Allowed || !dec.Degraded {
				t.Fatalf("expected degraded admission, got %+v", dec)
			}
		}
		if got := mock.Counter(MetricStorageError); got != 100 {
			t.Fatalf("expected 100 storage errors recorded, got %v", got)
		}
	})

	t.Run("FailError", func(t *testing.T) {
		l, _ := New(failingStorage{}, cfg, WithFailurePolicy(FailError), WithLogger(discardLogger()))

		_, err := l.TryAcquire(ctx, "k")
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("expected ErrStorageUnavailable, got %v", err)
		}
		var serr *StorageError
		if !errors.As(err, &serr) || serr.Op != "load" {
			t.Fatalf("expected *StorageError from load, got %v", err)
		}
	})

	t.Run("NonAvailabilityErrorsAlwaysReturned", func(t *testing.T) {
		l, _ := New(brokenStorage{}, cfg, WithFailurePolicy(FailOpen), WithLogger(discardLogger()))

		if _, err := l.TryAcquire(ctx, "k"); !errors.Is(err, errCorrupt) {
			t.Fatalf("expected corrupt-state error to surface, got %v", err)
		}
	})
}

func TestLimiter_ContentionExceeded(t *testing.T) {
	store := &conflictingStorage{}
	mock := NewMockRecorder()
	l, _ := New(store, PerSecond(1, 10), WithMaxRetries(3), WithRecorder(mock), WithLogger(discardLogger()))

	_, err := l.TryAcquire(context.Background(), "hot")
	if !errors.Is(err, ErrContentionExceeded) {
		t.Fatalf("expected ErrContentionExceeded, got %v", err)
	}
	var cerr *ContentionError
	if !errors.As(err, &cerr) || cerr.Attempts != 4 || cerr.Key != "hot" {
		t.Fatalf("expected 4 attempts on key hot, got %v", err)
	}
	if n := store.loads.Load(); n != 4 {
		t.Fatalf("expected every attempt to reload state, got %d loads", n)
	}
	if got := mock.Counter(MetricConflict); got != 4 {
		t.Fatalf("expected 4 conflicts recorded, got %v", got)
	}
	if got := mock.Counter(MetricContentionExceeded); got != 1 {
		t.Fatalf("expected 1 contention_exceeded recorded, got %v", got)
	}
}

func TestLimiter_ClockSkewRecovery(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	mock := NewMockRecorder()
	l, clock, store := newManualLimiter(t, PerSecond(10, 10),
		WithRecorder(mock), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	clock.Advance(time.Second)
	ahead := clock.Now()
	l.TryAcquire(ctx, "k")

	clock.Set(ahead.Add(-time.Second))
	for i := 0; i < 3; i++ {
		dec, err := l.TryAcquire(ctx, "k")
		if err != nil {
			t.Fatalf("skew must not surface as an error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("call %d: expected admission, got %+v", i, dec)
		}
	}

	st, _ := store.Load(ctx, "k")
	if st == nil || !st.LastRefill.Equal(ahead) {
		t.Fatalf("expected LastRefill to stay at %s, got %+v", ahead, st)
	}
	if st.Tokens != 6 {
		t.Fatalf("expected no refill while skewed (6 left), got %v", st.Tokens)
	}
	if got := mock.Counter(MetricClockSkew); got != 3 {
		t.Fatalf("expected 3 skews recorded, got %v", got)
	}
	if n := strings.Count(logs.String(), "clock skew"); n != 1 {
		t.Fatalf("expected skew warning to be throttled to 1 line, got %d", n)
	}
}

func TestLimiter_Available(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newManualLimiter(t, PerSecond(10, 10))

	if avail, err := l.Available(ctx, "k"); err != nil || avail != 10 {
		t.Fatalf("expected unknown key to report capacity, got %v err=%v", avail, err)
	}

	for range 3 {
		l.TryAcquire(ctx, "k")
	}
	if avail, _ := l.Available(ctx, "k"); avail != 7 {
		t.Fatalf("expected 7 available, got %v", avail)
	}

	clock.Advance(200 * time.Millisecond)
	avail, _ := l.Available(ctx, "k")
	if math.Abs(avail-9) > 1e-9 {
		t.Fatalf("expected ~9 available after 200ms, got %v", avail)
	}

	// Available must not consume.
	again, _ := l.Available(ctx, "k")
	if again != avail {
		t.Fatalf("Available changed the bucket: %v -> %v", avail, again)
	}
}

func TestLimiter_TTL(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultIsFullRefill", func(t *testing.T) {
		cfg := PerSecond(10, 10)
		l, clock, store := newManualLimiter(t, cfg)
		l.TryAcquire(ctx, "k")

		clock.Advance(cfg.FullRefill())
		if st, _ := store.Load(ctx, "k"); st != nil {
			t.Fatalf("expected bucket to expire after a full refill, got %+v", st)
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		l, clock, store := newManualLimiter(t, PerSecond(10, 10), WithTTL(0))
		l.TryAcquire(ctx, "k")

		clock.Advance(24 * time.Hour)
		if st, _ := store.Load(ctx, "k"); st == nil {
			t.Fatal("expected bucket without TTL to persist")
		}
	})
}

func TestLimiter_Wait(t *testing.T) {
	t.Run("BlocksUntilRefill", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		l, _ := New(NewMemoryStorage(), PerSecond(100, 1))
		l.TryAcquire(ctx, "k")

		start := time.Now()
		dec, err := l.Wait(ctx, "k", 1)
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if !dec.Allowed {
			t.Fatal("expected Wait to return an admission")
		}
		if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
			t.Fatalf("expected Wait to block for the refill, returned after %s", elapsed)
		}
	})

	t.Run("ContextDeadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		l, _ := New(NewMemoryStorage(), PerHour(1, 1))
		l.TryAcquire(ctx, "k")

		if _, err := l.Wait(ctx, "k", 1); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	})

	t.Run("CostAboveCapacity", func(t *testing.T) {
		l, _ := New(NewMemoryStorage(), PerSecond(1, 1))
		if _, err := l.Wait(context.Background(), "k", 2); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestIdentity_String(t *testing.T) {
	if got := (Identity{Namespace: "api", Key: "u1"}).String(); got != "api:u1" {
		t.Errorf("expected api:u1, got %q", got)
	}
	if got := (Identity{Key: "u1"}).String(); got != "u1" {
		t.Errorf("expected u1, got %q", got)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	for in, want := range map[string]FailurePolicy{"closed": FailClosed, " Open ": FailOpen, "ERROR": FailError} {
		got, err := ParseFailurePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseFailurePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFailurePolicy("maybe"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unknown policy, got %v", err)
	}
}
