package limiter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultMaxRetries = 16

// FailurePolicy decides what a Limiter answers when its Storage is
// unreachable. Every policy still reports the failure to the MetricsRecorder
// and the logger.
type FailurePolicy int

const (
	// FailClosed denies the request (protect the backend).
	FailClosed FailurePolicy = iota
	// FailOpen admits the request (maximize availability).
	FailOpen
	// FailError returns the storage error to the caller.
	FailError
)

func (p FailurePolicy) String() string {
	switch p {
	case FailClosed:
		return "closed"
	case FailOpen:
		return "open"
	case FailError:
		return "error"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts "closed", "open" or "error".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "closed":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	case "error":
		return FailError, nil
	default:
		return 0, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidArgument, s)
	}
}

type Option func(*Limiter)

// WithClock sets the time source (default SystemClock).
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithMaxRetries bounds how many times a lost compare-and-swap is retried
// before ErrContentionExceeded is returned (default 16).
func WithMaxRetries(n int) Option {
	return func(l *Limiter) { l.maxRetries = n }
}

// WithFailurePolicy sets the answer given while storage is unreachable
// (default FailClosed).
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithTTL sets the inactivity window after which a bucket may be evicted by
// its Storage. The default is Config.FullRefill: by then an idle bucket is
// full, which is exactly how an absent key is treated. A shorter TTL resets
// idle buckets early. d <= 0 disables expiry.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}
