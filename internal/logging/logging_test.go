package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetMinLevel(LevelDebug)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetMinLevel(LevelInfo)
		SetResource(nil)
	})
	return &buf
}

func TestEntryShape(t *testing.T) {
	buf := capture(t)

	Info("pipeline started", F("stream", "checkout", "batch_size", 8192))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON line: %v\n%s", err, buf.String())
	}
	if entry.SeverityText != "INFO" || entry.SeverityNumber != 9 {
		t.Errorf("severity = %s/%d, want INFO/9", entry.SeverityText, entry.SeverityNumber)
	}
	if entry.Body != "pipeline started" {
		t.Errorf("Body = %q", entry.Body)
	}
	if entry.Attributes["stream"] != "checkout" {
		t.Errorf("Attributes = %v", entry.Attributes)
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp missing")
	}
}

func TestMinLevelFilters(t *testing.T) {
	buf := capture(t)
	SetMinLevel(LevelWarn)

	Debug("dropped")
	Info("dropped")
	Warn("kept")
	Error("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("emitted %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"WARN"`) || !strings.Contains(lines[1], `"ERROR"`) {
		t.Errorf("wrong lines kept:\n%s", buf.String())
	}
}

func TestResourceAttached(t *testing.T) {
	buf := capture(t)
	SetResource(map[string]string{"service.name": "checkout"})

	Info("hello")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Resource["service.name"] != "checkout" {
		t.Errorf("Resource = %v", entry.Resource)
	}
}

func TestSeverityNumbers(t *testing.T) {
	cases := map[Level]int{
		LevelDebug: 5,
		LevelInfo:  9,
		LevelWarn:  13,
		LevelError: 17,
	}
	for level, want := range cases {
		if got := SeverityNumber(level); got != want {
			t.Errorf("SeverityNumber(%s) = %d, want %d", level, got, want)
		}
	}
}

func TestFIgnoresDanglingKey(t *testing.T) {
	fields := F("a", 1, "dangling")
	if len(fields) != 1 || fields["a"] != 1 {
		t.Errorf("F() = %v", fields)
	}
}
