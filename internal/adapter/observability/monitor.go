package observability

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// maxTimingsPerOp bounds the in-memory timing history kept per operation.
const maxTimingsPerOp = 10000

// Timing is one completed operation measurement.
type Timing struct {
	ID       string
	Op       string
	Meta     map[string]string
	Start    time.Time
	Duration time.Duration
	OK       bool
}

// OpStats summarizes the retained history for one operation.
type OpStats struct {
	Op       string  `json:"op"`
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	MeanMS   float64 `json:"mean_ms"`
	MaxMS    float64 `json:"max_ms"`
}

// Monitor records operation timers and counters with bounded in-memory
// history. Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	inflight map[string]Timing
	history  map[string][]Timing
	counters map[string]int64
}

// NewMonitor constructs an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		inflight: make(map[string]Timing),
		history:  make(map[string][]Timing),
		counters: make(map[string]int64),
	}
}

// StartTimer opens a timer for op and returns its id.
func (m *Monitor) StartTimer(op string, meta map[string]string) string {
	id := ulid.Make().String()
	m.mu.Lock()
	m.inflight[id] = Timing{ID: id, Op: op, Meta: meta, Start: time.Now()}
	m.mu.Unlock()
	return id
}

// EndTimer closes the timer and appends it to the bounded per-op history.
// Unknown ids are ignored.
func (m *Monitor) EndTimer(id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, exists := m.inflight[id]
	if !exists {
		return
	}
	delete(m.inflight, id)
	t.Duration = time.Since(t.Start)
	t.OK = ok
	h := append(m.history[t.Op], t)
	if len(h) > maxTimingsPerOp {
		h = h[len(h)-maxTimingsPerOp:]
	}
	m.history[t.Op] = h
}

// Incr adds delta to the named counter.
func (m *Monitor) Incr(name string, delta int64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (m *Monitor) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Stats summarizes the retained history per operation.
func (m *Monitor) Stats() map[string]OpStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OpStats, len(m.history))
	for op, h := range m.history {
		s := OpStats{Op: op, Count: len(h)}
		var sum, maxMS float64
		for _, t := range h {
			ms := float64(t.Duration) / float64(time.Millisecond)
			sum += ms
			if ms > maxMS {
				maxMS = ms
			}
			if !t.OK {
				s.Failures++
			}
		}
		if s.Count > 0 {
			s.MeanMS = sum / float64(s.Count)
		}
		s.MaxMS = maxMS
		out[op] = s
	}
	return out
}
