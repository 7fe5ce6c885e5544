package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigured(t *testing.T) {
	cases := []struct {
		name string
		cfg  ClientConfig
		want bool
	}{
		{"empty", ClientConfig{}, false},
		{"basic", ClientConfig{BasicAuthUsername: "u", BasicAuthPassword: "p"}, true},
		{"bearer", ClientConfig{BearerToken: "tok"}, true},
		{"headers only", ClientConfig{Headers: map[string]string{"X-P-Tag-env": "prod"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.Configured(); got != tc.want {
				t.Errorf("Configured() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransportSetsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
		}
	}))
	defer srv.Close()

	client := &http.Client{Transport: HTTPTransport(ClientConfig{
		BasicAuthUsername: "admin",
		BasicAuthPassword: "secret",
	}, nil)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
}

func TestTransportSetsBearerAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-P-Tag-Env"); got != "prod" {
			t.Errorf("X-P-Tag-Env = %q", got)
		}
	}))
	defer srv.Close()

	client := &http.Client{Transport: HTTPTransport(ClientConfig{
		BearerToken: "tok-123",
		Headers:     map[string]string{"X-P-Tag-Env": "prod"},
	}, nil)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
}

func TestTransportDoesNotMutateOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}

	client := &http.Client{Transport: HTTPTransport(ClientConfig{BearerToken: "tok"}, nil)}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("original request mutated: Authorization = %q", got)
	}
}

func TestBasicAuthEncoded(t *testing.T) {
	if got := BasicAuthEncoded("admin", "admin"); got != "YWRtaW46YWRtaW4=" {
		t.Errorf("BasicAuthEncoded = %q", got)
	}
}
