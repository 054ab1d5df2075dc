package limiter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed cas.lua
var casScriptSource string

var casScript = redis.NewScript(casScriptSource)

const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

// RedisStorage keeps bucket state in Redis so every instance sharing the
// server enforces one budget per key.
//
// Each bucket is a hash with two fields:
//
//	tokens       balance, formatted so it round-trips exactly
//	last_refill  unix nanoseconds
//
// CompareAndSwap runs cas.lua, which checks the stored fields against the
// expected prior state and writes the new ones in a single atomic step.
type RedisStorage struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

type RedisOption func(*RedisStorage)

// WithPrefix sets the key prefix (default "limiter:").
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisStorage) { r.prefix = prefix }
}

// WithTimeout bounds every Redis round trip (default 5s). A timeout surfaces
// as ErrStorageUnavailable.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisStorage) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedisStorage pings the server and preloads the CAS script.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) (*RedisStorage, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	r := &RedisStorage{
		client:  client,
		prefix:  "limiter:",
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if err := casScript.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("redis script load failed: %w", err)
	}
	return r, nil
}

func (r *RedisStorage) Load(ctx context.Context, key string) (*BucketState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	values, err := r.client.HMGet(ctx, r.prefix+key, fieldTokens, fieldLastRefill).Result()
	if err != nil {
		return nil, &StorageError{Op: "load", Key: key, Err: err}
	}
	if len(values) != 2 {
		return nil, &StorageError{Op: "load", Key: key, Err: fmt.Errorf("unexpected reply length %d", len(values))}
	}
	// A hash missing either field reads as absent; cas.lua replaces it on
	// the next write.
	if values[0] == nil || values[1] == nil {
		return nil, nil
	}

	st, err := decodeState(values[0], values[1])
	if err != nil {
		return nil, fmt.Errorf("decode bucket %q: %w", key, err)
	}
	return &st, nil
}

func (r *RedisStorage) CompareAndSwap(ctx context.Context, key string, prior *BucketState, next BucketState, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	expect, tokens, lastRefill := "0", "", ""
	if prior != nil {
		expect = "1"
		tokens, lastRefill = encodeState(*prior)
	}
	newTokens, newLastRefill := encodeState(next)

	// Rounded up: expiring before ttl would hand out a full bucket that has
	// not accrued yet.
	ttlMs := int64(0)
	if ttl > 0 {
		ttlMs = int64((ttl + time.Millisecond - 1) / time.Millisecond)
	}

	swapped, err := casScript.Run(ctx, r.client, []string{r.prefix + key},
		expect,        // ARGV[1]
		tokens,        // ARGV[2]
		lastRefill,    // ARGV[3]
		newTokens,     // ARGV[4]
		newLastRefill, // ARGV[5]
		ttlMs,         // ARGV[6]
	).Int()
	if err != nil {
		return false, &StorageError{Op: "cas", Key: key, Err: err}
	}
	return swapped == 1, nil
}

func encodeState(s BucketState) (tokens, lastRefill string) {
	return strconv.FormatFloat(s.Tokens, 'g', -1, 64), strconv.FormatInt(s.LastRefill.UnixNano(), 10)
}

func decodeState(tokensVal, lastRefillVal interface{}) (BucketState, error) {
	ts, ok1 := tokensVal.(string)
	ls, ok2 := lastRefillVal.(string)
	if !ok1 || !ok2 {
		return BucketState{}, fmt.Errorf("unexpected field types (tokens=%T last_refill=%T)", tokensVal, lastRefillVal)
	}

	tokens, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return BucketState{}, fmt.Errorf("tokens: %w", err)
	}
	nanos, err := strconv.ParseInt(ls, 10, 64)
	if err != nil {
		return BucketState{}, fmt.Errorf("last_refill: %w", err)
	}
	return BucketState{Tokens: tokens, LastRefill: time.Unix(0, nanos)}, nil
}
