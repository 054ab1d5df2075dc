// Package stats provides MetricsRecorder backends for the limiter: an
// in-memory one for tests and single processes, and a Redis one that
// aggregates counters across every instance sharing the server.
package stats

import (
	"slices"
	"strings"

	"github.com/manenim/tokenbucket/pkg/limiter"
)

var (
	_ limiter.MetricsRecorder = (*MemoryRecorder)(nil)
	_ limiter.MetricsRecorder = (*RedisRecorder)(nil)
)

// Summary aggregates the observations of one timing.
type Summary struct {
	Count int64
	Sum   float64
	Max   float64
}

// Mean returns Sum/Count, or 0 for an empty summary.
func (s Summary) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// seriesName renders name plus its tags as a single stable field, e.g.
// "ratelimit.storage_error{policy=open}".
func seriesName(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
