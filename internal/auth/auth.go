// Package auth adds authentication headers to outbound ingest requests.
package auth

import (
	"encoding/base64"
	"net/http"
)

// ClientConfig holds authentication configuration for the HTTP sink.
type ClientConfig struct {
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
	// BearerToken is a bearer token to send instead of basic auth.
	BearerToken string
	// Headers is a map of custom headers to send with every request
	// (backend metadata and tags).
	Headers map[string]string
}

// Configured reports whether any authentication or extra headers are set.
func (c ClientConfig) Configured() bool {
	return c.BearerToken != "" || c.BasicAuthUsername != "" || len(c.Headers) > 0
}

// HTTPTransport returns an http.RoundTripper that adds authentication headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{
		base: base,
		cfg:  cfg,
	}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		reqClone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}

	if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		reqClone.Header.Set("Authorization", "Basic "+BasicAuthEncoded(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword))
	}

	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	return t.base.RoundTrip(reqClone)
}

// BasicAuthEncoded returns the base64 encoded basic auth string.
func BasicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
