// Package config holds pipeline settings with env and YAML overlays.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/trace-governor/internal/tls"
)

// Env variable names honored by FromEnv. The PARSEABLE_* names match what
// the Parseable server itself documents for its clients.
const (
	EnvHost     = "PARSEABLE_HOST"
	EnvPort     = "PARSEABLE_PORT"
	EnvUsername = "PARSEABLE_USERNAME"
	EnvPassword = "PARSEABLE_PASSWORD"
	EnvStream   = "PARSEABLE_STREAM"

	EnvQueueSize       = "TRACE_GOVERNOR_QUEUE_SIZE"
	EnvBatchSize       = "TRACE_GOVERNOR_BATCH_SIZE"
	EnvFlushIntervalMS = "TRACE_GOVERNOR_FLUSH_INTERVAL_MS"
	EnvCompression     = "TRACE_GOVERNOR_COMPRESSION"
)

// Default connection and tuning values.
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8000
	DefaultUsername      = "admin"
	DefaultPassword      = "admin"
	DefaultStream        = "my-service"
	DefaultQueueSize     = 65536
	DefaultBatchSize     = 8192
	DefaultFlushInterval = time.Second
	DefaultExportTimeout = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMax      = 8 * time.Second
	DefaultBackoffMult   = 2.0
)

// Settings is the full pipeline configuration. Zero values are replaced by
// defaults in Default/FromEnv; Validate rejects values that cannot work.
type Settings struct {
	// Host is the backend hostname or IP, without scheme or port.
	Host string
	// Port is the backend TCP port.
	Port int
	// UseTLS switches the ingest endpoint to https.
	UseTLS bool
	// Username and Password are the basic-auth credentials.
	Username string
	Password string
	// Stream is the target log stream name. Sanitized before use.
	Stream string
	// Headers are extra headers added to every ingest request.
	Headers map[string]string

	// QueueSize bounds the in-memory span queue.
	QueueSize int
	// BatchSize is the maximum spans per export request.
	BatchSize int
	// FlushInterval is the idle time before a timed flush.
	FlushInterval time.Duration

	// ExportTimeout bounds a single export attempt.
	ExportTimeout time.Duration
	// MaxAttempts is the per-batch request budget including the first try.
	MaxAttempts int
	// RetryBaseDelay is the first backoff delay.
	RetryBaseDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64

	// Compression selects the request body encoding: none, gzip, or zstd.
	Compression string

	// TLS configures certificate verification and mTLS for the client.
	TLS tls.ClientConfig
}

// Default returns settings with every field at its default.
func Default() Settings {
	return Settings{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Username:          DefaultUsername,
		Password:          DefaultPassword,
		Stream:            DefaultStream,
		QueueSize:         DefaultQueueSize,
		BatchSize:         DefaultBatchSize,
		FlushInterval:     DefaultFlushInterval,
		ExportTimeout:     DefaultExportTimeout,
		MaxAttempts:       DefaultMaxAttempts,
		RetryBaseDelay:    DefaultRetryBase,
		MaxRetryDelay:     DefaultRetryMax,
		BackoffMultiplier: DefaultBackoffMult,
		Compression:       "none",
	}
}

// FromEnv returns Default overlaid with any recognized environment
// variables. Unparseable numeric values are ignored in favor of the default.
func FromEnv() Settings {
	s := Default()
	if v := os.Getenv(EnvHost); v != "" {
		s.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Port = port
		}
	}
	if v := os.Getenv(EnvUsername); v != "" {
		s.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		s.Password = v
	}
	if v := os.Getenv(EnvStream); v != "" {
		s.Stream = v
	}
	if v := os.Getenv(EnvQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.QueueSize = n
		}
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.BatchSize = n
		}
	}
	if v := os.Getenv(EnvFlushIntervalMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			s.FlushInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvCompression); v != "" {
		s.Compression = v
	}
	return s
}

// Validate checks the settings for values that cannot produce a working
// pipeline.
func (s Settings) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if SanitizeStream(s.Stream) == "" {
		return fmt.Errorf("stream name %q sanitizes to empty", s.Stream)
	}
	if s.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", s.QueueSize)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", s.BatchSize)
	}
	if s.BatchSize > s.QueueSize {
		return fmt.Errorf("batch_size %d exceeds queue_size %d", s.BatchSize, s.QueueSize)
	}
	if s.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %g", s.BackoffMultiplier)
	}
	switch strings.ToLower(s.Compression) {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", s.Compression)
	}
	return nil
}

// SanitizeStream lowercases the name and replaces every character outside
// [a-z0-9_-] with an underscore, matching what the backend accepts as a
// stream identifier.
func SanitizeStream(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	return out
}
