package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/manenim/tokenbucket/pkg/limiter"
)

const (
	BucketMinute = "minute"
	BucketNone   = "none"
)

// RedisRecorder accumulates the limiter's metrics in Redis hashes so a fleet
// of instances reports one set of numbers:
//
//	<prefix>:counters              series -> running total (never expires)
//	<prefix>:timings               series:sum / series:count
//	<prefix>:minute:YYYYMMDDhhmm   series -> total within that minute (expires)
//
// Add and Observe only fold the value into an in-process batch; nothing
// touches Redis on the admission path. Flush writes the batch in a single
// pipeline, and Run calls it on an interval. A failed flush is logged and
// its batch dropped.
type RedisRecorder struct {
	rdb     redis.UniversalClient
	prefix  string
	ttl     time.Duration
	bucket  string
	timeout time.Duration
	clock   limiter.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	pending *batch

	errLog rate.Sometimes
}

// batch holds everything recorded since the last flush.
type batch struct {
	counters map[string]float64
	minutes  map[string]map[string]float64
	sums     map[string]float64
	counts   map[string]int64
}

func newBatch() *batch {
	return &batch{
		counters: make(map[string]float64),
		minutes:  make(map[string]map[string]float64),
		sums:     make(map[string]float64),
		counts:   make(map[string]int64),
	}
}

func (b *batch) empty() bool {
	return len(b.counters) == 0 && len(b.counts) == 0
}
type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL sets how long per-minute hashes are kept (default 24h).
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// WithBucket selects "minute" (default) or "none" for the time series.
func WithBucket(bucket string) RedisOption {
	return func(r *RedisRecorder) { r.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisRecorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(c limiter.Clock) RedisOption {
	return func(r *RedisRecorder) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedisRecorder(rdb redis.UniversalClient, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:     rdb,
		prefix:  "ratelimit:stats",
		ttl:     24 * time.Hour,
		bucket:  BucketMinute,
		timeout: 500 * time.Millisecond,
		clock:   limiter.SystemClock{},
		logger:  slog.Default(),
		pending: newBatch(),
		errLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRecorder) Add(name string, value float64, tags map[string]string) {
	series := seriesName(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending.counters[series] += value
	if r.bucket == BucketMinute {
		key := r.minuteKey(r.clock.Now())
		m, ok := r.pending.minutes[key]
		if !ok {
			m = make(map[string]float64)
			r.pending.minutes[key] = m
		}
		m[series] += value
	}
}

func (r *RedisRecorder) Observe(name string, value float64, tags map[string]string) {
	series := seriesName(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending.sums[series] += value
	r.pending.counts[series]++
}

// Flush writes everything recorded since the previous flush in one pipeline.
// On failure the batch is dropped, the error is logged (throttled) and
// returned.
func (r *RedisRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	b := r.pending
	if b.empty() {
		r.mu.Unlock()
		return nil
	}
	r.pending = newBatch()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.rdb.Pipeline()
	for series, v := range b.counters {
		pipe.HIncrByFloat(ctx, r.prefix+":counters", series, v)
	}
	for key, m := range b.minutes {
		for series, v := range m {
			pipe.HIncrByFloat(ctx, key, series, v)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
	}
	timings := r.prefix + ":timings"
	for series, n := range b.counts {
		pipe.HIncrByFloat(ctx, timings, series+":sum", b.sums[series])
		pipe.HIncrBy(ctx, timings, series+":count", n)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.errLog.Do(func() {
			r.logger.Warn("failed to record rate limit stats", "prefix", r.prefix, "err", err)
		})
		return fmt.Errorf("flush stats: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more so
// nothing recorded before shutdown is lost.
func (r *RedisRecorder) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case <-t.C:
			r.Flush(ctx)
		}
	}
}

func (r *RedisRecorder) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, BucketMinute, at.UTC().Format("200601021504"))
}

// Counters reads the cumulative counters shared by every instance.
func (r *RedisRecorder) Counters(ctx context.Context) (map[string]float64, error) {
	return r.readFloats(ctx, r.prefix+":counters")
}

// Minute reads the counters recorded during the minute containing at.
func (r *RedisRecorder) Minute(ctx context.Context, at time.Time) (map[string]float64, error) {
	return r.readFloats(ctx, r.minuteKey(at))
}

// Timings reads the timing summaries. Max is not tracked in Redis.
func (r *RedisRecorder) Timings(ctx context.Context) (map[string]Summary, error) {
	raw, err := r.readFloats(ctx, r.prefix+":timings")
	if err != nil {
		return nil, err
	}

	out := make(map[string]Summary)
	for field, v := range raw {
		switch {
		case strings.HasSuffix(field, ":sum"):
			series := strings.TrimSuffix(field, ":sum")
			s := out[series]
			s.Sum = v
			out[series] = s
		case strings.HasSuffix(field, ":count"):
			series := strings.TrimSuffix(field, ":count")
			s := out[series]
			s.Count = int64(v)
			out[series] = s
		}
	}
	return out, nil
}

func (r *RedisRecorder) readFloats(ctx context.Context, key string) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	out := make(map[string]float64, len(raw))
	for field, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("read %s field %q: %w", key, field, err)
		}
		out[field] = v
	}
	return out, nil
}
