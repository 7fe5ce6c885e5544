// Package stats tracks span accounting across the pipeline.
//
// Every span offered to a running pipeline counts as enqueued and ends up
// in exactly one terminal counter: exported, dropped_overflow,
// dropped_conversion, dropped_shutdown, or lost (batch discarded after the
// sink's retry budget). Overflow drops happen at the queue boundary but are
// still offered spans, so they stay inside the equation. Spans offered
// after the pipeline stopped accepting are counted as rejected and are
// outside the equation.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/internal/cardinality"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/span"
)

var (
	spansEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_spans_enqueued_total",
		Help: "Total spans offered to the running pipeline",
	})

	spansExportedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_spans_exported_total",
		Help: "Total spans delivered to the backend",
	})

	spansDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_spans_dropped_total",
		Help: "Total spans dropped by reason",
	}, []string{"reason"})

	batchesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_batches_sent_total",
		Help: "Total batches delivered to the backend",
	})

	batchesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_batches_failed_total",
		Help: "Total batches discarded after the retry budget was exhausted",
	})

	distinctTraces = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_governor_distinct_traces_estimate",
		Help: "Estimated number of distinct trace ids seen since start",
	})
)

func init() {
	prometheus.MustRegister(spansEnqueuedTotal)
	prometheus.MustRegister(spansExportedTotal)
	prometheus.MustRegister(spansDroppedTotal)
	prometheus.MustRegister(batchesSentTotal)
	prometheus.MustRegister(batchesFailedTotal)
	prometheus.MustRegister(distinctTraces)

	spansEnqueuedTotal.Add(0)
	spansExportedTotal.Add(0)
	batchesSentTotal.Add(0)
	batchesFailedTotal.Add(0)
	for _, r := range []string{ReasonOverflow, ReasonConversion, ReasonShutdown} {
		spansDroppedTotal.WithLabelValues(r).Add(0)
	}
}

// Drop reasons used as Prometheus label values.
const (
	ReasonOverflow   = "overflow"
	ReasonConversion = "conversion"
	ReasonShutdown   = "shutdown_timeout"
)

// Collector accumulates pipeline counters. All methods are safe for
// concurrent use; producers call RecordEnqueued on their own goroutines.
type Collector struct {
	enqueued          atomic.Uint64
	exported          atomic.Uint64
	droppedOverflow   atomic.Uint64
	droppedConversion atomic.Uint64
	droppedShutdown   atomic.Uint64
	lost              atomic.Uint64
	rejected          atomic.Uint64
	batches           atomic.Uint64
	batchesFailed     atomic.Uint64

	traces  *cardinality.Tracker
	started time.Time
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{
		traces:  cardinality.NewTracker(),
		started: time.Now(),
	}
}

// RecordEnqueued counts a span offered to the running pipeline. Callers
// record overflow-dropped spans here too, then add the drop reason.
func (c *Collector) RecordEnqueued(s *span.FinishedSpan) {
	c.enqueued.Add(1)
	spansEnqueuedTotal.Inc()
	c.traces.Insert(s.TraceID[:])
}

// RecordExported counts spans accepted by the backend.
func (c *Collector) RecordExported(n int) {
	c.exported.Add(uint64(n))
	spansExportedTotal.Add(float64(n))
	c.batches.Add(1)
	batchesSentTotal.Inc()
}

// RecordDroppedOverflow counts a span rejected by a full queue.
func (c *Collector) RecordDroppedOverflow() {
	c.droppedOverflow.Add(1)
	spansDroppedTotal.WithLabelValues(ReasonOverflow).Inc()
}

// RecordDroppedConversion counts spans skipped by the converter.
func (c *Collector) RecordDroppedConversion(n int) {
	if n <= 0 {
		return
	}
	c.droppedConversion.Add(uint64(n))
	spansDroppedTotal.WithLabelValues(ReasonConversion).Add(float64(n))
}

// RecordDroppedShutdown counts spans still queued when the shutdown
// deadline expired.
func (c *Collector) RecordDroppedShutdown(n int) {
	if n <= 0 {
		return
	}
	c.droppedShutdown.Add(uint64(n))
	spansDroppedTotal.WithLabelValues(ReasonShutdown).Add(float64(n))
}

// RecordBatchLost counts a batch discarded after the sink retry budget.
func (c *Collector) RecordBatchLost(spans int) {
	c.lost.Add(uint64(spans))
	c.batchesFailed.Add(1)
	batchesFailedTotal.Inc()
}

// RecordRejected counts a span offered after the pipeline stopped accepting.
func (c *Collector) RecordRejected() {
	c.rejected.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued          uint64
	Exported          uint64
	DroppedOverflow   uint64
	DroppedConversion uint64
	DroppedShutdown   uint64
	Lost              uint64
	Rejected          uint64
	Batches           uint64
	BatchesFailed     uint64
	DistinctTraces    uint64
	Uptime            time.Duration
}

// Accounted returns the number of enqueued spans with a terminal outcome.
// After a completed shutdown it equals Enqueued.
func (s Snapshot) Accounted() uint64 {
	return s.Exported + s.DroppedOverflow + s.DroppedConversion + s.DroppedShutdown + s.Lost
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	est := c.traces.Estimate()
	distinctTraces.Set(float64(est))
	return Snapshot{
		Enqueued:          c.enqueued.Load(),
		Exported:          c.exported.Load(),
		DroppedOverflow:   c.droppedOverflow.Load(),
		DroppedConversion: c.droppedConversion.Load(),
		DroppedShutdown:   c.droppedShutdown.Load(),
		Lost:              c.lost.Load(),
		Rejected:          c.rejected.Load(),
		Batches:           c.batches.Load(),
		BatchesFailed:     c.batchesFailed.Load(),
		DistinctTraces:    est,
		Uptime:            time.Since(c.started),
	}
}

// StartPeriodicLogging logs a stats summary until the context is canceled.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.LogSummary()
		}
	}
}

// LogSummary emits one stats summary log line.
func (c *Collector) LogSummary() {
	s := c.Snapshot()
	logging.Info("pipeline stats", logging.F(
		"spans_enqueued", s.Enqueued,
		"spans_exported", s.Exported,
		"dropped_overflow", s.DroppedOverflow,
		"dropped_conversion", s.DroppedConversion,
		"dropped_shutdown", s.DroppedShutdown,
		"spans_lost", s.Lost,
		"batches_sent", s.Batches,
		"batches_failed", s.BatchesFailed,
		"distinct_traces", s.DistinctTraces,
		"uptime", s.Uptime.Round(time.Second).String(),
	))
}
