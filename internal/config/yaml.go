package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tlspkg "github.com/szibis/trace-governor/internal/tls"
)

// fileConfig is the YAML file shape. Every field is optional; pointer fields
// distinguish "absent" from a zero value so the file overlays cleanly onto
// base settings. Durations are millisecond integers, matching the
// TRACE_GOVERNOR_FLUSH_INTERVAL_MS env variable.
type fileConfig struct {
	Host     *string           `yaml:"host"`
	Port     *int              `yaml:"port"`
	UseTLS   *bool             `yaml:"use_tls"`
	Username *string           `yaml:"username"`
	Password *string           `yaml:"password"`
	Stream   *string           `yaml:"stream"`
	Headers  map[string]string `yaml:"headers"`

	QueueSize       *int `yaml:"queue_size"`
	BatchSize       *int `yaml:"batch_size"`
	FlushIntervalMS *int `yaml:"flush_interval_ms"`

	ExportTimeoutMS   *int     `yaml:"export_timeout_ms"`
	MaxAttempts       *int     `yaml:"max_attempts"`
	RetryBaseDelayMS  *int     `yaml:"retry_base_delay_ms"`
	MaxRetryDelayMS   *int     `yaml:"max_retry_delay_ms"`
	BackoffMultiplier *float64 `yaml:"backoff_multiplier"`

	Compression *string `yaml:"compression"`

	TLS *fileTLS `yaml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// LoadFile overlays a YAML config file onto base. Fields absent from the
// file keep their base values.
func LoadFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}

	s := base
	if fc.Host != nil {
		s.Host = *fc.Host
	}
	if fc.Port != nil {
		s.Port = *fc.Port
	}
	if fc.UseTLS != nil {
		s.UseTLS = *fc.UseTLS
	}
	if fc.Username != nil {
		s.Username = *fc.Username
	}
	if fc.Password != nil {
		s.Password = *fc.Password
	}
	if fc.Stream != nil {
		s.Stream = *fc.Stream
	}
	if fc.Headers != nil {
		s.Headers = fc.Headers
	}
	if fc.QueueSize != nil {
		s.QueueSize = *fc.QueueSize
	}
	if fc.BatchSize != nil {
		s.BatchSize = *fc.BatchSize
	}
	if fc.FlushIntervalMS != nil {
		s.FlushInterval = time.Duration(*fc.FlushIntervalMS) * time.Millisecond
	}
	if fc.ExportTimeoutMS != nil {
		s.ExportTimeout = time.Duration(*fc.ExportTimeoutMS) * time.Millisecond
	}
	if fc.MaxAttempts != nil {
		s.MaxAttempts = *fc.MaxAttempts
	}
	if fc.RetryBaseDelayMS != nil {
		s.RetryBaseDelay = time.Duration(*fc.RetryBaseDelayMS) * time.Millisecond
	}
	if fc.MaxRetryDelayMS != nil {
		s.MaxRetryDelay = time.Duration(*fc.MaxRetryDelayMS) * time.Millisecond
	}
	if fc.BackoffMultiplier != nil {
		s.BackoffMultiplier = *fc.BackoffMultiplier
	}
	if fc.Compression != nil {
		s.Compression = *fc.Compression
	}
	if fc.TLS != nil {
		s.TLS = tlspkg.ClientConfig{
			Enabled:            fc.TLS.Enabled,
			CertFile:           fc.TLS.CertFile,
			KeyFile:            fc.TLS.KeyFile,
			CAFile:             fc.TLS.CAFile,
			InsecureSkipVerify: fc.TLS.InsecureSkipVerify,
			ServerName:         fc.TLS.ServerName,
		}
	}
	return s, nil
}
