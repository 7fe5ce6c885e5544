// Package queue provides the bounded in-memory span queue feeding the
// batch processor.
package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/span"
)

var (
	queueOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_governor_queue_occupancy",
		Help: "Current number of spans buffered in the queue",
	})

	queueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_queue_dropped_total",
		Help: "Total spans rejected because the queue was full or closed",
	})

	queueEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_queue_enqueued_total",
		Help: "Total spans accepted into the queue",
	})
)

func init() {
	prometheus.MustRegister(queueOccupancy)
	prometheus.MustRegister(queueDroppedTotal)
	prometheus.MustRegister(queueEnqueuedTotal)

	queueOccupancy.Set(0)
	queueDroppedTotal.Add(0)
	queueEnqueuedTotal.Add(0)
}

// DefaultCapacity is the default queue capacity.
const DefaultCapacity = 65536

// SpanQueue is a bounded FIFO of finished spans. Enqueue never blocks:
// producers shed load by dropping when the queue is full. A fixed ring
// buffer keeps memory bounded at capacity regardless of churn.
type SpanQueue struct {
	mu      sync.Mutex
	buf     []*span.FinishedSpan
	head    int
	count   int
	closed  bool
	dropped uint64
}

// New creates a span queue with the given capacity.
// Non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *SpanQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SpanQueue{
		buf: make([]*span.FinishedSpan, capacity),
	}
}

// Enqueue appends a span. Returns false without blocking when the queue is
// full or closed; the span is dropped and counted.
func (q *SpanQueue) Enqueue(s *span.FinishedSpan) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count == len(q.buf) {
		q.dropped++
		queueDroppedTotal.Inc()
		return false
	}

	q.buf[(q.head+q.count)%len(q.buf)] = s
	q.count++
	queueEnqueuedTotal.Inc()
	queueOccupancy.Set(float64(q.count))
	return true
}

// Drain atomically removes and returns up to max oldest spans in insertion
// order. Returns nil when the queue is empty. Non-positive max drains nothing.
func (q *SpanQueue) Drain(max int) []*span.FinishedSpan {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]*span.FinishedSpan, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = nil // release for GC
	}
	q.head = (q.head + n) % len(q.buf)
	q.count -= n
	queueOccupancy.Set(float64(q.count))
	return out
}

// Len returns the current occupancy, a best-effort snapshot.
func (q *SpanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *SpanQueue) Cap() int {
	return len(q.buf)
}

// Close stops the queue from accepting spans. Buffered spans remain
// drainable. Close is idempotent.
func (q *SpanQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Dropped returns the number of spans rejected since creation.
func (q *SpanQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
