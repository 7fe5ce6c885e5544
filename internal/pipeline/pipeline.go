// Package pipeline runs the background batching worker between the span
// queue and the HTTP sink.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/internal/convert"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/internal/queue"
	"github.com/szibis/trace-governor/internal/stats"
	"github.com/szibis/trace-governor/span"
)

var flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trace_governor_flushes_total",
	Help: "Total non-empty flushes by trigger",
}, []string{"trigger"})

func init() {
	prometheus.MustRegister(flushesTotal)
	for _, t := range []string{"size", "interval", "force", "shutdown"} {
		flushesTotal.WithLabelValues(t).Add(0)
	}
}

// State is the pipeline lifecycle flag. Transitions only move forward.
type State int32

const (
	// StateRunning accepts spans and exports in the background.
	StateRunning State = iota
	// StateShuttingDown stopped accepting; the final drain is in progress.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

// String returns the lifecycle state label.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// Sink delivers one converted batch. Implemented by export.Sink.
type Sink interface {
	Send(ctx context.Context, records [][]byte) error
}

// Default tuning values.
const (
	DefaultBatchSize     = 8192
	DefaultFlushInterval = time.Second
)

// Config holds processor tuning.
type Config struct {
	// BatchSize is the maximum spans drained per flush.
	BatchSize int
	// FlushInterval is the idle time before a timed flush.
	FlushInterval time.Duration
}

// flushRequest asks the worker for a drain-until-empty cycle.
// completed is written by the worker before done is closed.
type flushRequest struct {
	deadline  time.Time
	done      chan struct{}
	completed bool
}

// Processor drains the span queue into batches and hands them to the sink.
// Exactly one worker goroutine runs per processor, so at most one export is
// in flight at a time and batches leave in FIFO order.
type Processor struct {
	queue     *queue.SpanQueue
	sink      Sink
	stats     *stats.Collector
	batchSize int
	interval  time.Duration

	state            atomic.Int32
	shutdownDeadline atomic.Int64 // unix nanos, 0 means unbounded
	drainComplete    atomic.Bool

	wake     chan struct{}
	flushCh  chan *flushRequest
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a processor. Start must be called before spans flow.
func New(q *queue.SpanQueue, sink Sink, st *stats.Collector, cfg Config) *Processor {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Processor{
		queue:     q,
		sink:      sink,
		stats:     st,
		batchSize: batchSize,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		flushCh:   make(chan *flushRequest),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background worker.
func (p *Processor) Start() {
	go p.run()
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// OnSpanEnd accepts one finished span from a producer. It never blocks:
// when the queue is full the span is dropped and counted, and after
// shutdown begins the span is rejected.
func (p *Processor) OnSpanEnd(s *span.FinishedSpan) {
	if s == nil {
		return
	}
	if p.State() != StateRunning {
		p.stats.RecordRejected()
		return
	}
	if !p.queue.Enqueue(s) {
		// Enqueue also fails when Shutdown closed the queue between the
		// state check and here; that narrow race still counts as rejected.
		if p.State() != StateRunning {
			p.stats.RecordRejected()
			return
		}
		// An overflow drop is still an offered span: counting it keeps
		// enqueued = exported + dropped + lost after a full drain.
		p.stats.RecordEnqueued(s)
		p.stats.RecordDroppedOverflow()
		return
	}
	p.stats.RecordEnqueued(s)

	if p.queue.Len() >= p.batchSize {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// ForceFlush drains the queue to empty and reports whether it finished
// before the timeout. A non-positive timeout waits without bound.
func (p *Processor) ForceFlush(timeout time.Duration) bool {
	if p.State() != StateRunning {
		return false
	}

	req := &flushRequest{done: make(chan struct{})}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		req.deadline = time.Now().Add(timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case p.flushCh <- req:
	case <-p.done:
		return false
	case <-timeoutCh:
		return false
	}

	select {
	case <-req.done:
		return req.completed
	case <-p.done:
		return false
	case <-timeoutCh:
		return false
	}
}

// Shutdown stops intake, performs a final drain bounded by timeout, and
// reports whether the drain emptied the queue. Spans still queued when the
// timeout expires are dropped and counted. A non-positive timeout waits
// without bound. Safe to call more than once.
func (p *Processor) Shutdown(timeout time.Duration) bool {
	if p.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		p.queue.Close()
		if timeout > 0 {
			p.shutdownDeadline.Store(time.Now().Add(timeout).UnixNano())
		}
		p.stopOnce.Do(func() { close(p.stopCh) })
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-p.done:
		return p.drainComplete.Load()
	case <-timeoutCh:
		return false
	}
}

// Done is closed when the worker has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) run() {
	defer close(p.done)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			p.finalDrain()
			return

		case req := <-p.flushCh:
			req.completed = p.drainAll(req.deadline, "force")
			close(req.done)
			resetTimer(timer, p.interval)

		case <-timer.C:
			p.flushOnce(context.Background(), "interval")
			timer.Reset(p.interval)

		case <-p.wake:
			for p.State() == StateRunning && p.queue.Len() >= p.batchSize {
				if !p.flushOnce(context.Background(), "size") {
					break
				}
			}
			resetTimer(timer, p.interval)
		}
	}
}

// flushOnce drains and exports at most one batch. Returns false when the
// queue was empty (no-op flush, no network call). A failed batch is
// discarded after the sink's retry budget; spans are never re-queued.
func (p *Processor) flushOnce(ctx context.Context, trigger string) bool {
	batch := p.queue.Drain(p.batchSize)
	if len(batch) == 0 {
		return false
	}
	flushesTotal.WithLabelValues(trigger).Inc()

	records, skipped := convert.Records(batch)
	p.stats.RecordDroppedConversion(skipped)
	if len(records) == 0 {
		return true
	}

	if err := p.sink.Send(ctx, records); err != nil {
		p.stats.RecordBatchLost(len(records))
		logging.Warn("batch discarded after send failure", logging.F(
			"error", err.Error(),
			"spans", len(records),
			"trigger", trigger,
		))
		return true
	}
	p.stats.RecordExported(len(records))
	return true
}

// drainAll repeats flushOnce until the queue is empty or the deadline
// passes. A zero deadline means unbounded. Returns whether the queue
// reached empty.
func (p *Processor) drainAll(deadline time.Time, trigger string) bool {
	for {
		ctx := context.Background()
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			if !time.Now().Before(deadline) {
				return false
			}
			ctx, cancel = context.WithDeadline(ctx, deadline)
		}
		drained := p.flushOnce(ctx, trigger)
		if cancel != nil {
			cancel()
		}
		if !drained {
			return true
		}
	}
}

// finalDrain performs the shutdown flush and records what could not be
// delivered in time.
func (p *Processor) finalDrain() {
	var deadline time.Time
	if ns := p.shutdownDeadline.Load(); ns > 0 {
		deadline = time.Unix(0, ns)
	}

	completed := p.drainAll(deadline, "shutdown")
	if !completed {
		remaining := p.queue.Drain(p.queue.Cap())
		if len(remaining) > 0 {
			p.stats.RecordDroppedShutdown(len(remaining))
			logging.Warn("shutdown timeout expired with spans still queued", logging.F(
				"dropped", len(remaining),
			))
		}
	}
	p.drainComplete.Store(completed)
	p.state.Store(int32(StateStopped))
}

// resetTimer restarts an interval timer whose previous cycle may or may not
// have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
