// Package convert maps finished spans into Parseable ingestion records.
//
// Each span becomes one flat JSON object. Attribute keys are lifted to
// top-level fields so Parseable can index them as columns; keys that would
// shadow a reserved field are prefixed with "attr_". Events are embedded as
// an array of objects on the span record.
package convert

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/span"
)

var convertSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "trace_governor_convert_skipped_total",
	Help: "Total spans skipped because they could not be serialized",
})

func init() {
	prometheus.MustRegister(convertSkippedTotal)
	convertSkippedTotal.Add(0)
}

// Reserved record field names. Span attributes with these keys are prefixed.
var reserved = map[string]struct{}{
	"trace_id":        {},
	"span_id":         {},
	"parent_span_id":  {},
	"span_name":       {},
	"span_kind":       {},
	"span_start_time": {},
	"span_end_time":   {},
	"duration_ns":     {},
	"status":          {},
	"status_message":  {},
	"events":          {},
	"events_count":    {},
	"links_count":     {},
}

// Records converts a batch into serialized ingestion records, one per span,
// preserving batch order. A span whose attributes fail to serialize (for
// example a NaN float value) is skipped and counted; the remainder of the
// batch proceeds.
func Records(spans []*span.FinishedSpan) ([][]byte, int) {
	records := make([][]byte, 0, len(spans))
	skipped := 0
	for _, s := range spans {
		data, err := json.Marshal(Record(s))
		if err != nil {
			skipped++
			convertSkippedTotal.Inc()
			continue
		}
		records = append(records, data)
	}
	return records, skipped
}

// Record builds the flat field map for one span.
func Record(s *span.FinishedSpan) map[string]interface{} {
	rec := map[string]interface{}{
		"trace_id":        s.TraceID.String(),
		"span_id":         s.SpanID.String(),
		"span_name":       s.Name,
		"span_start_time": formatTime(s.StartTime),
		"span_end_time":   formatTime(s.EndTime),
		"duration_ns":     s.Duration().Nanoseconds(),
		"status":          s.Status.Code.String(),
	}
	if s.ParentSpanID.IsValid() {
		rec["parent_span_id"] = s.ParentSpanID.String()
	} else {
		rec["parent_span_id"] = ""
	}
	if s.Kind != "" {
		rec["span_kind"] = s.Kind
	}
	if s.Status.Message != "" {
		rec["status_message"] = s.Status.Message
	}

	for _, kv := range s.Attributes {
		rec[fieldName(rec, kv.Key)] = kv.Value
	}

	if len(s.Events) > 0 {
		events := make([]map[string]interface{}, 0, len(s.Events))
		for _, ev := range s.Events {
			e := map[string]interface{}{
				"event_name":      ev.Name,
				"event_timestamp": formatTime(ev.Timestamp),
			}
			for _, kv := range ev.Attributes {
				e[fieldName(e, kv.Key)] = kv.Value
			}
			events = append(events, e)
		}
		rec["events"] = events
		rec["events_count"] = len(s.Events)
	}
	if len(s.Links) > 0 {
		rec["links_count"] = len(s.Links)
	}
	return rec
}

// fieldName returns key, or key prefixed with "attr_" when it would shadow a
// reserved field or an attribute already placed on the record.
func fieldName(rec map[string]interface{}, key string) string {
	if _, ok := reserved[key]; !ok {
		if _, ok := rec[key]; !ok {
			return key
		}
	}
	return "attr_" + key
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
