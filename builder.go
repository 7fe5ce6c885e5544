package tracegovernor

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/compression"
	"github.com/szibis/trace-governor/internal/config"
	"github.com/szibis/trace-governor/internal/export"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/internal/pipeline"
	"github.com/szibis/trace-governor/internal/queue"
	"github.com/szibis/trace-governor/internal/stats"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
)

// Builder assembles a Pipeline. The zero starting point comes from
// NewBuilder, which reads PARSEABLE_* environment variables over built-in
// defaults; every With method overrides one setting.
type Builder struct {
	settings config.Settings
	client   *http.Client
	pool     export.HTTPClientConfig
}

// NewBuilder returns a builder seeded from the environment.
func NewBuilder() *Builder {
	return &Builder{settings: config.FromEnv()}
}

// NewBuilderFromSettings returns a builder seeded from explicit settings.
func NewBuilderFromSettings(s config.Settings) *Builder {
	return &Builder{settings: s}
}

// WithConfigFile overlays a YAML config file onto the current settings.
func (b *Builder) WithConfigFile(path string) (*Builder, error) {
	s, err := config.LoadFile(path, b.settings)
	if err != nil {
		return b, err
	}
	b.settings = s
	return b, nil
}

// WithHost sets the backend hostname or IP.
func (b *Builder) WithHost(host string) *Builder {
	b.settings.Host = host
	return b
}

// WithPort sets the backend TCP port.
func (b *Builder) WithPort(port int) *Builder {
	b.settings.Port = port
	return b
}

// WithTLS switches the ingest endpoint to https with the given client
// certificate settings. Pass a zero ClientConfig for plain https.
func (b *Builder) WithTLS(cfg tlspkg.ClientConfig) *Builder {
	b.settings.UseTLS = true
	b.settings.TLS = cfg
	return b
}

// WithCredentials sets the basic-auth username and password.
func (b *Builder) WithCredentials(username, password string) *Builder {
	b.settings.Username = username
	b.settings.Password = password
	return b
}

// WithStream sets the target log stream name. The name is sanitized to the
// backend's allowed identifier characters at Build time.
func (b *Builder) WithStream(stream string) *Builder {
	b.settings.Stream = stream
	return b
}

// WithServiceName names the instrumented service. The stream carries the
// service name, so this is WithStream under a caller-facing name.
func (b *Builder) WithServiceName(name string) *Builder {
	return b.WithStream(name)
}

// WithHeaders sets extra headers added to every ingest request.
func (b *Builder) WithHeaders(headers map[string]string) *Builder {
	b.settings.Headers = headers
	return b
}

// WithQueueSize bounds the in-memory span queue.
func (b *Builder) WithQueueSize(n int) *Builder {
	b.settings.QueueSize = n
	return b
}

// WithBatchSize sets the maximum spans per export request.
func (b *Builder) WithBatchSize(n int) *Builder {
	b.settings.BatchSize = n
	return b
}

// WithFlushInterval sets the idle time before a timed flush.
func (b *Builder) WithFlushInterval(d time.Duration) *Builder {
	b.settings.FlushInterval = d
	return b
}

// WithExportTimeout bounds each ingest request attempt.
func (b *Builder) WithExportTimeout(d time.Duration) *Builder {
	b.settings.ExportTimeout = d
	return b
}

// WithRetry sets the per-batch attempt budget and backoff shape.
func (b *Builder) WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration, multiplier float64) *Builder {
	b.settings.MaxAttempts = maxAttempts
	b.settings.RetryBaseDelay = baseDelay
	b.settings.MaxRetryDelay = maxDelay
	b.settings.BackoffMultiplier = multiplier
	return b
}

// WithCompression selects the request body encoding: none, gzip, or zstd.
func (b *Builder) WithCompression(typ string) *Builder {
	b.settings.Compression = typ
	return b
}

// WithHTTPClient overrides the built transport with a caller-supplied
// client. Authentication headers are still applied.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.client = client
	return b
}

// WithConnectionPool tunes the built transport. Ignored when WithHTTPClient
// is used.
func (b *Builder) WithConnectionPool(pool export.HTTPClientConfig) *Builder {
	b.pool = pool
	return b
}

// Settings returns a copy of the current settings.
func (b *Builder) Settings() config.Settings {
	return b.settings
}

// Build validates the settings, creates the sink, and starts the pipeline
// worker. The returned Pipeline accepts spans immediately.
func (b *Builder) Build() (*Pipeline, error) {
	s := b.settings
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline settings: %w", err)
	}
	stream := config.SanitizeStream(s.Stream)

	compType, err := compression.ParseType(s.Compression)
	if err != nil {
		return nil, err
	}

	sink, err := export.New(export.Config{
		Host:              s.Host,
		Port:              strconv.Itoa(s.Port),
		UseTLS:            s.UseTLS,
		Stream:            stream,
		Timeout:           s.ExportTimeout,
		MaxAttempts:       s.MaxAttempts,
		RetryBaseDelay:    s.RetryBaseDelay,
		MaxRetryDelay:     s.MaxRetryDelay,
		BackoffMultiplier: s.BackoffMultiplier,
		TLS:               s.TLS,
		Auth: auth.ClientConfig{
			BasicAuthUsername: s.Username,
			BasicAuthPassword: s.Password,
			Headers:           s.Headers,
		},
		Compression: compression.Config{Type: compType},
		HTTPClient:  b.pool,
		Client:      b.client,
	})
	if err != nil {
		return nil, err
	}

	collector := stats.NewCollector()
	q := queue.New(s.QueueSize)
	proc := pipeline.New(q, sink, collector, pipeline.Config{
		BatchSize:     s.BatchSize,
		FlushInterval: s.FlushInterval,
	})
	proc.Start()

	logging.Info("trace pipeline started", logging.F(
		"endpoint", sink.Endpoint(),
		"stream", stream,
		"queue_size", s.QueueSize,
		"batch_size", s.BatchSize,
		"flush_interval", s.FlushInterval.String(),
		"compression", string(compType),
	))

	return &Pipeline{
		proc:  proc,
		sink:  sink,
		stats: collector,
	}, nil
}
