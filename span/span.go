// Package span defines the finished-span record the export pipeline ships.
//
// The record is deliberately self-contained: it carries no OpenTelemetry SDK
// types, so the queue and the converter do not pin any tracing library. The
// otelbridge package translates SDK spans into this shape.
package span

import (
	"encoding/hex"
	"time"
)

// TraceID is a 16-byte trace identifier.
type TraceID [16]byte

// SpanID is an 8-byte span identifier.
type SpanID [8]byte

var (
	emptyTraceID TraceID
	emptySpanID  SpanID
)

// IsValid reports whether the trace ID is non-zero.
func (t TraceID) IsValid() bool {
	return t != emptyTraceID
}

// String returns the lowercase hex encoding of the trace ID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid reports whether the span ID is non-zero.
func (s SpanID) IsValid() bool {
	return s != emptySpanID
}

// String returns the lowercase hex encoding of the span ID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	// StatusUnset means no status was recorded.
	StatusUnset StatusCode = iota
	// StatusOK means the operation completed successfully.
	StatusOK
	// StatusError means the operation failed.
	StatusError
)

// String returns the Parseable-facing status label.
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Status is the recorded outcome of a span plus an optional message.
type Status struct {
	Code    StatusCode
	Message string
}

// KeyValue is a single span attribute. Keys are unique within a span;
// the producer is responsible for uniqueness, the pipeline preserves order.
type KeyValue struct {
	Key   string
	Value interface{}
}

// Event is a timestamped annotation attached to a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []KeyValue
}

// Link points to another span, possibly in another trace.
type Link struct {
	TraceID    TraceID
	SpanID     SpanID
	Attributes []KeyValue
}

// FinishedSpan is a completed, immutable span record. The producer owns it
// until it is handed to the pipeline; after that the pipeline owns it and the
// producer must not mutate it.
type FinishedSpan struct {
	TraceID      TraceID
	SpanID       SpanID
	ParentSpanID SpanID

	Name string
	Kind string

	StartTime time.Time
	EndTime   time.Time

	Status     Status
	Attributes []KeyValue
	Events     []Event
	Links      []Link
}

// Duration returns the elapsed time between start and end.
func (s *FinishedSpan) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}
