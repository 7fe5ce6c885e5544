// Package otelbridge connects the OpenTelemetry Go SDK to the trace export
// pipeline. A SpanProcessor translates each finished SDK span into the
// pipeline's self-contained record; Install wires a TracerProvider around it
// and registers both globally.
package otelbridge

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	tracegovernor "github.com/szibis/trace-governor"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/span"
)

// SpanProcessor feeds finished SDK spans into a pipeline. OnEnd never
// blocks; when the pipeline queue is full the span is dropped and counted
// there.
type SpanProcessor struct {
	pipeline *tracegovernor.Pipeline
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

// NewSpanProcessor wraps a running pipeline.
func NewSpanProcessor(p *tracegovernor.Pipeline) *SpanProcessor {
	return &SpanProcessor{pipeline: p}
}

// OnStart is a no-op; only finished spans are exported.
func (sp *SpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd converts the span and offers it to the pipeline.
func (sp *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	sp.pipeline.OnSpanEnd(Convert(s))
}

// Shutdown drains and stops the pipeline, bounded by the context deadline.
func (sp *SpanProcessor) Shutdown(ctx context.Context) error {
	if !sp.pipeline.Shutdown(timeoutFrom(ctx)) {
		return errors.New("trace pipeline shutdown did not drain in time")
	}
	return nil
}

// ForceFlush drains the queue, bounded by the context deadline.
func (sp *SpanProcessor) ForceFlush(ctx context.Context) error {
	if !sp.pipeline.ForceFlush(timeoutFrom(ctx)) {
		return errors.New("trace pipeline flush did not complete in time")
	}
	return nil
}

// timeoutFrom maps a context deadline onto a wait budget. No deadline means
// waiting without bound; an already-expired deadline means a minimal wait.
func timeoutFrom(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}

// Convert translates one SDK span into the pipeline record.
func Convert(s sdktrace.ReadOnlySpan) *span.FinishedSpan {
	sc := s.SpanContext()

	out := &span.FinishedSpan{
		TraceID:   span.TraceID(sc.TraceID()),
		SpanID:    span.SpanID(sc.SpanID()),
		Name:      s.Name(),
		Kind:      s.SpanKind().String(),
		StartTime: s.StartTime(),
		EndTime:   s.EndTime(),
		Status:    convertStatus(s.Status()),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		out.ParentSpanID = span.SpanID(parent.SpanID())
	}

	out.Attributes = convertAttributes(s.Attributes())

	if events := s.Events(); len(events) > 0 {
		out.Events = make([]span.Event, 0, len(events))
		for _, ev := range events {
			out.Events = append(out.Events, span.Event{
				Name:       ev.Name,
				Timestamp:  ev.Time,
				Attributes: convertAttributes(ev.Attributes),
			})
		}
	}

	if links := s.Links(); len(links) > 0 {
		out.Links = make([]span.Link, 0, len(links))
		for _, l := range links {
			out.Links = append(out.Links, span.Link{
				TraceID:    span.TraceID(l.SpanContext.TraceID()),
				SpanID:     span.SpanID(l.SpanContext.SpanID()),
				Attributes: convertAttributes(l.Attributes),
			})
		}
	}

	return out
}

func convertAttributes(attrs []attribute.KeyValue) []span.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]span.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, span.KeyValue{
			Key:   string(kv.Key),
			Value: kv.Value.AsInterface(),
		})
	}
	return out
}

func convertStatus(st sdktrace.Status) span.Status {
	out := span.Status{Message: st.Description}
	switch st.Code {
	case codes.Ok:
		out.Code = span.StatusOK
	case codes.Error:
		out.Code = span.StatusError
	default:
		out.Code = span.StatusUnset
	}
	return out
}

// Install builds the pipeline, wraps it in a TracerProvider with a resource
// naming the service, and registers the provider with otel and the pipeline
// as the process-wide handle. The service name also becomes the target
// stream unless the builder already set one explicitly.
func Install(b *tracegovernor.Builder, serviceName string, extra ...attribute.KeyValue) (*sdktrace.TracerProvider, *tracegovernor.Pipeline, error) {
	if serviceName != "" {
		b.WithStream(serviceName)
	}

	p, err := b.Build()
	if err != nil {
		return nil, nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	logResource := map[string]string{"service.name": serviceName}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(hostname))
		logResource["host.name"] = hostname
	}
	attrs = append(attrs, extra...)
	logging.SetResource(logResource)

	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(NewSpanProcessor(p)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracegovernor.SetGlobal(p)
	return tp, p, nil
}
