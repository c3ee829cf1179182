package transport

import (
	"sync"
	"time"
)

// LatencySamples is how many round-trip measurements the rolling window
// keeps.
const LatencySamples = 100

// LatencyWindow is a rolling window of heartbeat round-trip times.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	max     int
}

// NewLatencyWindow creates a window holding up to max samples.
func NewLatencyWindow(max int) *LatencyWindow {
	if max <= 0 {
		max = LatencySamples
	}
	return &LatencyWindow{max: max}
}

// Add records one round-trip sample, evicting the oldest when full.
func (w *LatencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, d)
	if len(w.samples) > w.max {
		w.samples = w.samples[1:]
	}
}

// Current returns the most recent sample, zero if none.
func (w *LatencyWindow) Current() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1]
}

// Average returns the mean of the window, zero if empty.
func (w *LatencyWindow) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range w.samples {
		sum += s
	}
	return sum / time.Duration(len(w.samples))
}

// Len reports how many samples are held.
func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}
