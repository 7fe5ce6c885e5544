// Package export delivers batches of converted span records to the
// Parseable ingestion endpoint over HTTP.
package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/compression"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
	"golang.org/x/net/http2"
)

var (
	exportRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_export_requests_total",
		Help: "Total number of ingest requests sent to the backend",
	})

	exportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_export_bytes_total",
		Help: "Total bytes sent to the backend on the wire",
	}, []string{"compression"})

	exportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_export_errors_total",
		Help: "Total number of failed ingest requests by error type",
	}, []string{"error_type"})

	exportRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_export_retries_total",
		Help: "Total number of ingest request retries",
	})

	exportRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_export_records_total",
		Help: "Total number of span records accepted by the backend",
	})
)

func init() {
	prometheus.MustRegister(exportRequestsTotal)
	prometheus.MustRegister(exportBytesTotal)
	prometheus.MustRegister(exportErrorsTotal)
	prometheus.MustRegister(exportRetriesTotal)
	prometheus.MustRegister(exportRecordsTotal)
}

// APIVersion identifies the backend ingestion API generation.
type APIVersion string

// APIVersionV1 is the only published ingestion API.
const APIVersionV1 APIVersion = "v1"

// Path returns the URL path prefix for the API version.
func (v APIVersion) Path() string {
	return "api/" + string(v)
}

// ContentType returns the serialization content type for the API version.
func (v APIVersion) ContentType() string {
	return "application/json"
}

// headerStream is the Parseable header naming the target log stream.
const headerStream = "X-P-Stream"

// maxErrorBodyBytes bounds how much of an error response is kept for logs.
const maxErrorBodyBytes = 1024

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host. If zero, DefaultMaxIdleConnsPerHost is used.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself. Zero means no limit.
	IdleConnTimeout time.Duration
	// DisableKeepAlives, if true, disables HTTP keep-alives.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 controls whether HTTP/2 is attempted.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the ping health-check interval for idle
	// HTTP/2 connections.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes an HTTP/2 connection when a ping response is
	// not received in time.
	HTTP2PingTimeout time.Duration
}

// Config holds the sink configuration.
type Config struct {
	// Host and Port locate the backend.
	Host string
	Port string
	// UseTLS switches the endpoint scheme to https.
	UseTLS bool
	// Stream is the target log stream, sent as the X-P-Stream header.
	Stream string
	// Timeout bounds each request attempt.
	Timeout time.Duration
	// MaxAttempts is the total request budget per batch (first try included).
	MaxAttempts int
	// RetryBaseDelay is the initial backoff delay.
	RetryBaseDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64
	// TLS holds certificate material for https endpoints.
	TLS tlspkg.ClientConfig
	// Auth configures request authentication.
	Auth auth.ClientConfig
	// Compression configures request body compression.
	Compression compression.Config
	// HTTPClient configures connection pooling.
	HTTPClient HTTPClientConfig
	// Client, when set, overrides the built transport. Its Transport is
	// wrapped with the auth transport.
	Client *http.Client
}

// Sink sends batches of serialized records to one ingest endpoint.
// The endpoint descriptor is resolved once in New and read-only afterwards.
type Sink struct {
	client      *http.Client
	endpoint    string
	stream      string
	contentType string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	compression compression.Config
}

// New creates a Sink for the configured endpoint.
func New(cfg Config) (*Sink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sink: host is required")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("sink: port is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("sink: stream is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/%s/ingest", scheme, net.JoinHostPort(cfg.Host, cfg.Port), APIVersionV1.Path())

	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Sink{
		client:      client,
		endpoint:    endpoint,
		stream:      cfg.Stream,
		contentType: APIVersionV1.ContentType(),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		multiplier:  multiplier,
		compression: cfg.Compression,
	}, nil
}

// buildClient builds the HTTP client with pooling, TLS, HTTP/2 and auth.
func buildClient(cfg Config) (*http.Client, error) {
	if cfg.Client != nil {
		c := *cfg.Client
		if cfg.Auth.Configured() {
			c.Transport = auth.HTTPTransport(cfg.Auth, cfg.Client.Transport)
		}
		return &c, nil
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if cfg.UseTLS {
		if cfg.TLS.Enabled {
			tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
		} else {
			transport.TLSClientConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 || transport.TLSClientConfig != nil {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	var roundTripper http.RoundTripper = transport
	if cfg.Auth.Configured() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	return &http.Client{Transport: roundTripper}, nil
}

// Endpoint returns the resolved ingest URL.
func (s *Sink) Endpoint() string {
	return s.endpoint
}

// Send delivers one batch of serialized records as a single JSON-array
// request. Transient failures are retried with exponential backoff up to the
// attempt budget; permanent failures return immediately. A nil return means
// the backend accepted the whole batch.
func (s *Sink) Send(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	payload, encoding, err := s.buildBody(records)
	if err != nil {
		return fmt.Errorf("failed to build request body: %w", err)
	}

	delay := s.baseDelay
	var lastErr *ExportError
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		expErr := s.attempt(ctx, payload, encoding, len(records))
		if expErr == nil {
			return nil
		}
		expErr.Attempts = attempt
		lastErr = expErr

		if !expErr.IsRetryable() || attempt == s.maxAttempts {
			break
		}

		exportRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return &ExportError{
				Err:      fmt.Errorf("export canceled during backoff: %w", ctx.Err()),
				Type:     ErrorTypeTimeout,
				Attempts: attempt,
			}
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * s.multiplier)
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
	return lastErr
}

// buildBody assembles the JSON array body and applies compression.
func (s *Sink) buildBody(records [][]byte) ([]byte, string, error) {
	size := 2 + len(records) // brackets plus commas
	for _, r := range records {
		size += len(r)
	}
	body := make([]byte, 0, size)
	body = append(body, '[')
	for i, r := range records {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, r...)
	}
	body = append(body, ']')

	if s.compression.Type == compression.TypeNone || s.compression.Type == "" {
		return body, "", nil
	}
	compressed, err := compression.Compress(body, s.compression)
	if err != nil {
		return nil, "", err
	}
	return compressed, s.compression.Type.ContentEncoding(), nil
}

// attempt issues one ingest request and classifies the outcome.
func (s *Sink) attempt(ctx context.Context, payload []byte, encoding string, records int) *ExportError {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ExportError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", s.contentType)
	req.Header.Set(headerStream, s.stream)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	exportRequestsTotal.Inc()

	resp, err := s.client.Do(req)
	if err != nil {
		errType := classifyError(err)
		exportErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &ExportError{Err: fmt.Errorf("failed to send request: %w", err), Type: errType}
	}
	defer resp.Body.Close()

	// Keep a bounded error message, then drain for connection reuse.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		exportErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &ExportError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	label := "none"
	if encoding != "" {
		label = encoding
	}
	exportBytesTotal.WithLabelValues(label).Add(float64(len(payload)))
	exportRecordsTotal.Add(float64(records))
	return nil
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// jitter spreads a backoff delay by +/-25% to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}
