// Package tracegovernor ships finished trace spans to a Parseable log
// stream. Spans enter a bounded in-memory queue without blocking the caller;
// a background worker drains them in batches and posts each batch as one
// JSON array to the backend's ingest API, retrying transient failures with
// exponential backoff. When the queue is full spans are dropped and counted
// rather than applying backpressure to instrumented code.
package tracegovernor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/szibis/trace-governor/internal/export"
	"github.com/szibis/trace-governor/internal/pipeline"
	"github.com/szibis/trace-governor/internal/stats"
	"github.com/szibis/trace-governor/span"
)

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot = stats.Snapshot

// State is the pipeline lifecycle state.
type State = pipeline.State

// Lifecycle states. Transitions only move forward.
const (
	StateRunning      = pipeline.StateRunning
	StateShuttingDown = pipeline.StateShuttingDown
	StateStopped      = pipeline.StateStopped
)

// Pipeline is a running trace export pipeline. Create one with
// Builder.Build; all methods are safe for concurrent use.
type Pipeline struct {
	proc  *pipeline.Processor
	sink  *export.Sink
	stats *stats.Collector
}

// OnSpanEnd offers one finished span to the pipeline. It never blocks: a
// full queue drops the span, and after Shutdown the span is rejected.
func (p *Pipeline) OnSpanEnd(s *span.FinishedSpan) {
	p.proc.OnSpanEnd(s)
}

// ForceFlush drains the queue to empty and reports whether it finished
// before the timeout. A non-positive timeout waits without bound.
func (p *Pipeline) ForceFlush(timeout time.Duration) bool {
	return p.proc.ForceFlush(timeout)
}

// Shutdown stops intake, drains what it can within the timeout, and
// releases the sink's connections. It reports whether every queued span was
// exported (or lost to the retry budget) before the deadline. Safe to call
// more than once.
func (p *Pipeline) Shutdown(timeout time.Duration) bool {
	completed := p.proc.Shutdown(timeout)
	_ = p.sink.Close()
	return completed
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return p.proc.State()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Snapshot {
	return p.stats.Snapshot()
}

// Endpoint returns the resolved ingest URL.
func (p *Pipeline) Endpoint() string {
	return p.sink.Endpoint()
}

// LogStats emits one stats summary log line.
func (p *Pipeline) LogStats() {
	p.stats.LogSummary()
}

// StartPeriodicStatsLogging emits a stats summary at the interval until the
// context is canceled. Run it on its own goroutine.
func (p *Pipeline) StartPeriodicStatsLogging(ctx context.Context, interval time.Duration) {
	p.stats.StartPeriodicLogging(ctx, interval)
}

var globalPipeline atomic.Pointer[Pipeline]

// SetGlobal installs p as the process-wide pipeline handle.
func SetGlobal(p *Pipeline) {
	globalPipeline.Store(p)
}

// Global returns the process-wide pipeline handle, or nil when none is set.
func Global() *Pipeline {
	return globalPipeline.Load()
}

// ShutdownGlobal shuts down the global pipeline if one is installed and
// clears the handle. Returns true when no pipeline was installed or the
// drain completed in time.
func ShutdownGlobal(timeout time.Duration) bool {
	p := globalPipeline.Swap(nil)
	if p == nil {
		return true
	}
	return p.Shutdown(timeout)
}
