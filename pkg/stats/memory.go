package stats

import (
	"maps"
	"sync"
)

// MemoryRecorder keeps counters and timing summaries in process memory.
//
// It does not expire anything and is not meant for production fleets.
type MemoryRecorder struct {
	mu       sync.Mutex
	counters map[string]float64
	timings  map[string]Summary
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		counters: make(map[string]float64),
		timings:  make(map[string]Summary),
	}
}

func (r *MemoryRecorder) Add(name string, value float64, tags map[string]string) {
	series := seriesName(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[series] += value
}

func (r *MemoryRecorder) Observe(name string, value float64, tags map[string]string) {
	series := seriesName(name, tags)

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.timings[series]
	s.Count++
	s.Sum += value
	if value > s.Max {
		s.Max = value
	}
	r.timings[series] = s
}

// Counter returns one series; tagged series are addressed by their rendered
// name.
func (r *MemoryRecorder) Counter(series string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[series]
}

func (r *MemoryRecorder) Counters() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counters)
}

func (r *MemoryRecorder) Timing(series string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[series]
}

func (r *MemoryRecorder) Timings() map[string]Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.timings)
}
