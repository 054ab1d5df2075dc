package limiter

// MetricsRecorder receives the limiter's counters and timings. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Metric names emitted by Limiter.
const (
	MetricCall               = "ratelimit.call"
	MetricAllowed            = "ratelimit.allowed"
	MetricDenied             = "ratelimit.denied"
	MetricConflict           = "ratelimit.conflict"
	MetricStorageError       = "ratelimit.storage_error"
	MetricContentionExceeded = "ratelimit.contention_exceeded"
	MetricClockSkew          = "ratelimit.clock_skew"
	MetricLatency            = "ratelimit.latency"
)

// NoOpMetricsRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if l.recorder != nil' in our hot path.
type NoOpMetricsRecorder struct{}

func (n *NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (n *NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}
