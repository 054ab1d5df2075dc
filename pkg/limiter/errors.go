package limiter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument marks a bad cost or configuration. It is never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClockSkew marks a "now" earlier than the bucket's last refill. The
	// Limiter recovers from it locally and never returns it.
	ErrClockSkew = errors.New("clock skew")

	// ErrStorageUnavailable marks a backend that could not be reached or did
	// not answer in time.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrContentionExceeded is returned when every compare-and-swap attempt for
	// a key lost to a concurrent writer. It is distinct from a denial.
	ErrContentionExceeded = errors.New("contention exceeded")
)

// ClockSkewError reports how far "now" lagged behind the stored state.
type ClockSkewError struct {
	Skew time.Duration
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("clock skew: now is %s before last refill", e.Skew)
}

func (e *ClockSkewError) Is(target error) bool { return target == ErrClockSkew }

// StorageError wraps a backend failure. It matches ErrStorageUnavailable and
// unwraps to the cause, so context.Canceled and context.DeadlineExceeded stay
// detectable with errors.Is.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// ContentionError reports a key whose retry budget ran out.
type ContentionError struct {
	Key      string
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("contention exceeded for %q after %d attempts", e.Key, e.Attempts)
}

func (e *ContentionError) Is(target error) bool { return target == ErrContentionExceeded }
