package span

import (
	"testing"
	"time"
)

func TestIDValidity(t *testing.T) {
	var tid TraceID
	var sid SpanID
	if tid.IsValid() || sid.IsValid() {
		t.Error("zero ids reported valid")
	}
	tid[0] = 1
	sid[0] = 1
	if !tid.IsValid() || !sid.IsValid() {
		t.Error("non-zero ids reported invalid")
	}
}

func TestIDString(t *testing.T) {
	tid := TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	if got := tid.String(); got != "0102030405060708090a0b0c0d0e0f10" {
		t.Errorf("TraceID.String() = %q", got)
	}
	sid := SpanID{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x00, 0x01}
	if got := sid.String(); got != "deadbeef00000001" {
		t.Errorf("SpanID.String() = %q", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	cases := []struct {
		code StatusCode
		want string
	}{
		{StatusUnset, "unset"},
		{StatusOK, "ok"},
		{StatusError, "error"},
		{StatusCode(99), "unset"},
	}
	for _, tc := range cases {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("StatusCode(%d).String() = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestDuration(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &FinishedSpan{StartTime: start, EndTime: start.Add(1500 * time.Millisecond)}
	if got := s.Duration(); got != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", got)
	}
}
