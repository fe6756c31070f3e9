package policy

import (
	"sort"
	"sync"
	"time"
)

const defaultWindow = 128

// DurationTracker keeps a sliding window of observed step durations per key
// and reports their 95th percentile.
type DurationTracker struct {
	mu      sync.Mutex
	window  int
	samples map[string]*ring
}

type ring struct {
	values []time.Duration
	next   int
	full   bool
}

// NewDurationTracker keeps the last window samples per key; window <= 0 uses 128.
func NewDurationTracker(window int) *DurationTracker {
	if window <= 0 {
		window = defaultWindow
	}
	return &DurationTracker{window: window, samples: make(map[string]*ring)}
}

// TrackerKey groups observations by action and step kind.
func TrackerKey(action, stepKind string) string {
	return action + "/" + stepKind
}

// Observe records one step duration.
func (t *DurationTracker) Observe(key string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.samples[key]
	if !ok {
		r = &ring{values: make([]time.Duration, t.window)}
		t.samples[key] = r
	}
	r.values[r.next] = d
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

// P95 returns the 95th percentile for key and whether any samples exist.
func (t *DurationTracker) P95(key string) (time.Duration, bool) {
	t.mu.Lock()
	r, ok := t.samples[key]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}
	n := r.next
	if r.full {
		n = len(r.values)
	}
	sorted := append([]time.Duration(nil), r.values[:n]...)
	t.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// nearest-rank
	idx := (95*len(sorted)+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx], true
}

// MaxP95 returns the largest p95 across keys; zero when none have samples.
func (t *DurationTracker) MaxP95(keys ...string) time.Duration {
	var max time.Duration
	for _, k := range keys {
		if p, ok := t.P95(k); ok && p > max {
			max = p
		}
	}
	return max
}
