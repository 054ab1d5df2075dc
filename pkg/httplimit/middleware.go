// Package httplimit puts a limiter in front of HTTP handlers.
package httplimit

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manenim/tokenbucket/pkg/limiter"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Limiter limiter.RateLimiter

	// KeyFunc identifies the caller. Defaults to DefaultKeyFunc(KeyHeader,
	// TrustXForwardedFor).
	KeyFunc            KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool

	// Cost is charged per request (default 1). It must be a positive finite
	// number when set.
	Cost float64
	// Namespace is prepended to every key so several middlewares can share
	// one storage without colliding.
	Namespace limiter.Namespace

	// OnError handles limiter errors other than contention. Defaults to a
	// plain 500.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// DefaultKeyFunc keys requests by, in order: the keyHeader value, the first
// X-Forwarded-For address (only when trustXFF is set), the RemoteAddr host,
// and finally "unknown".
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware charges every request against opts.Limiter. Admitted requests
// reach next with the rate-limit headers set; denied ones get 429.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Limiter == nil {
		panic("httplimit: Options.Limiter is required")
	}
	switch {
	case opts.Cost == 0:
		opts.Cost = 1
	case !(opts.Cost > 0) || math.IsInf(opts.Cost, 1):
		panic("httplimit: Options.Cost must be a positive finite number")
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.OnError == nil {
		opts.OnError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := limiter.Identity{Namespace: opts.Namespace, Key: opts.KeyFunc(r)}.String()

			dec, err := opts.Limiter.TryAcquireN(r.Context(), key, opts.Cost)
			if errors.Is(err, limiter.ErrContentionExceeded) {
				w.Header().Set(HeaderRetryAfter, "1")
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			if err != nil {
				opts.OnError(w, r, err)
				return
			}

			setHeaders(w.Header(), dec)

			if !dec.Allowed {
				if dec.RetryAfter != limiter.Never {
					w.Header().Set(HeaderRetryAfter, ceilSeconds(dec.RetryAfter))
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(h http.Header, dec limiter.Decision) {
	if dec.Limit > 0 {
		h.Set(HeaderLimit, strconv.FormatFloat(dec.Limit, 'f', -1, 64))
	}
	if dec.Degraded {
		return
	}
	h.Set(HeaderRemaining, strconv.FormatFloat(math.Floor(dec.Remaining), 'f', -1, 64))
	if dec.ResetAfter != limiter.Never {
		h.Set(HeaderReset, ceilSeconds(dec.ResetAfter))
	}
}

func ceilSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return strconv.FormatInt(int64(secs), 10)
}
