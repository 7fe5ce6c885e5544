package tracegovernor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/trace-governor/internal/config"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/span"
)

// ingestServer captures everything posted to the ingest path.
type ingestServer struct {
	mu      sync.Mutex
	streams []string
	bodies  [][]byte
	srv     *httptest.Server
}

func newIngestServer(t *testing.T) *ingestServer {
	t.Helper()
	is := &ingestServer{}
	is.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ingest" {
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		is.mu.Lock()
		is.streams = append(is.streams, r.Header.Get("X-P-Stream"))
		is.bodies = append(is.bodies, body)
		is.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(is.srv.Close)
	return is
}

func (is *ingestServer) host(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(is.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

func (is *ingestServer) records(t *testing.T) []map[string]interface{} {
	t.Helper()
	is.mu.Lock()
	defer is.mu.Unlock()
	var out []map[string]interface{}
	for _, body := range is.bodies {
		var batch []map[string]interface{}
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Fatalf("ingest body is not a JSON array: %v\n%s", err, body)
		}
		out = append(out, batch...)
	}
	return out
}

func makeSpan(seq byte, name string) *span.FinishedSpan {
	now := time.Now()
	s := &span.FinishedSpan{
		Name:      name,
		Kind:      "internal",
		StartTime: now.Add(-time.Millisecond),
		EndTime:   now,
	}
	s.TraceID[15] = seq
	s.SpanID[7] = seq
	return s
}

func TestBuilderEnvThenOverride(t *testing.T) {
	t.Setenv(config.EnvHost, "env-host")
	t.Setenv(config.EnvStream, "env-stream")

	b := NewBuilder()
	if got := b.Settings().Host; got != "env-host" {
		t.Errorf("Host from env = %q", got)
	}

	b.WithHost("explicit-host").WithPort(9000)
	s := b.Settings()
	if s.Host != "explicit-host" || s.Port != 9000 {
		t.Errorf("explicit settings lost: %s:%d", s.Host, s.Port)
	}
	if s.Stream != "env-stream" {
		t.Errorf("untouched env setting lost: %q", s.Stream)
	}
}

func TestBuildRejectsInvalidSettings(t *testing.T) {
	if _, err := NewBuilderFromSettings(config.Settings{}).Build(); err == nil {
		t.Error("Build() with zero settings = nil error")
	}

	s := config.Default()
	s.BatchSize = s.QueueSize + 1
	if _, err := NewBuilderFromSettings(s).Build(); err == nil {
		t.Error("Build() with batch > queue = nil error")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	is := newIngestServer(t)
	host, port := is.host(t)

	p, err := NewBuilder().
		WithHost(host).
		WithPort(port).
		WithStream("My Checkout Service").
		WithCredentials("admin", "admin").
		WithQueueSize(64).
		WithBatchSize(2).
		WithFlushInterval(10 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	p.OnSpanEnd(makeSpan(1, "first"))
	p.OnSpanEnd(makeSpan(2, "second"))
	p.OnSpanEnd(makeSpan(3, "third"))

	if !p.Shutdown(5 * time.Second) {
		t.Fatal("Shutdown did not drain")
	}

	records := is.records(t)
	if len(records) != 3 {
		t.Fatalf("backend received %d records, want 3", len(records))
	}
	names := map[string]bool{}
	for _, r := range records {
		names[r["span_name"].(string)] = true
		if r["trace_id"] == "" {
			t.Error("record missing trace_id")
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		if !names[want] {
			t.Errorf("span %q never reached the backend", want)
		}
	}

	is.mu.Lock()
	for _, stream := range is.streams {
		if stream != "my_checkout_service" {
			t.Errorf("X-P-Stream = %q, want sanitized my_checkout_service", stream)
		}
	}
	is.mu.Unlock()

	stats := p.Stats()
	if stats.Enqueued != 3 || stats.Exported != 3 {
		t.Errorf("stats = %+v, want 3 enqueued and exported", stats)
	}
	if stats.Accounted() != stats.Enqueued {
		t.Errorf("Accounted() = %d, Enqueued = %d", stats.Accounted(), stats.Enqueued)
	}
}

func TestForceFlushDeliversPartialBatch(t *testing.T) {
	is := newIngestServer(t)
	host, port := is.host(t)

	p, err := NewBuilder().
		WithHost(host).
		WithPort(port).
		WithStream("flush-test").
		WithBatchSize(100).
		WithFlushInterval(time.Hour).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(time.Second)

	p.OnSpanEnd(makeSpan(1, "lonely"))
	if !p.ForceFlush(5 * time.Second) {
		t.Fatal("ForceFlush did not complete")
	}

	if got := len(is.records(t)); got != 1 {
		t.Errorf("backend received %d records after flush, want 1", got)
	}
}

// lockedBuffer makes concurrent log writes observable from the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPeriodicStatsLogging(t *testing.T) {
	is := newIngestServer(t)
	host, port := is.host(t)

	p, err := NewBuilder().WithHost(host).WithPort(port).WithStream("stats-log-test").Build()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(time.Second)

	out := &lockedBuffer{}
	logging.SetOutput(out)
	t.Cleanup(func() { logging.SetOutput(os.Stderr) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.StartPeriodicStatsLogging(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "pipeline stats") {
		if time.Now().After(deadline) {
			t.Fatal("no stats summary emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic logger did not stop on context cancel")
	}
}

func TestGlobalHandle(t *testing.T) {
	SetGlobal(nil)
	if Global() != nil {
		t.Fatal("Global() != nil after clearing")
	}
	if !ShutdownGlobal(time.Second) {
		t.Error("ShutdownGlobal with no pipeline = false, want true")
	}

	is := newIngestServer(t)
	host, port := is.host(t)
	p, err := NewBuilder().WithHost(host).WithPort(port).WithStream("global-test").Build()
	if err != nil {
		t.Fatal(err)
	}

	SetGlobal(p)
	if Global() != p {
		t.Error("Global() did not return the installed pipeline")
	}
	if !ShutdownGlobal(5 * time.Second) {
		t.Error("ShutdownGlobal = false, want drained")
	}
	if Global() != nil {
		t.Error("Global() not cleared after ShutdownGlobal")
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", p.State())
	}
}
