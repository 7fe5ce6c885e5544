// Package cardinality provides fixed-memory distinct counting.
package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// Tracker estimates the number of distinct keys seen using HyperLogLog.
// It uses ~12KB of memory regardless of cardinality (precision 14).
type Tracker struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewTracker creates a new HyperLogLog-based distinct counter.
func NewTracker() *Tracker {
	return &Tracker{
		sketch: hyperloglog.New(),
	}
}

// Insert adds a key to the sketch.
func (t *Tracker) Insert(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch.Insert(key)
}

// Estimate returns the estimated number of distinct keys.
// Uses full Lock because Estimate() may mutate internal state
// (sparse to dense promotion).
func (t *Tracker) Estimate() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sketch.Estimate()
}

// Reset clears the sketch for a new window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch = hyperloglog.New()
}
